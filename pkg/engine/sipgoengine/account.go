package sipgoengine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
	"github.com/icholy/digest"

	"github.com/arzzra/voip_patrol/pkg/engine"
	"github.com/arzzra/voip_patrol/pkg/patrol"
)

// account SIP аккаунт движка
type account struct {
	engine  *Engine
	id      int
	handler engine.AccountHandler

	mu  sync.Mutex
	cfg engine.AccountConfig
}

func (a *account) ID() int { return a.id }

func (a *account) URI() string { return a.uri() }

func (a *account) uri() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cfg.IDURI
}

func (a *account) config() engine.AccountConfig {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cfg
}

// Modify заменяет конфигурацию аккаунта
func (a *account) Modify(cfg engine.AccountConfig) error {
	a.mu.Lock()
	a.cfg = cfg
	a.mu.Unlock()
	return nil
}

// localUri идентификатор аккаунта как sip.Uri
func (a *account) localURI() sip.Uri {
	var u sip.Uri
	_ = sip.ParseUri(a.uri(), &u)
	return u
}

// contactURI контакт аккаунта на сигнальном адресе движка
func (a *account) contactURI() sip.Uri {
	u := a.localURI()
	return sip.Uri{
		Scheme: u.Scheme,
		User:   u.User,
		Host:   a.engine.cfg.IP,
		Port:   a.engine.cfg.Port,
	}
}

// Register выполняет REGISTER транзакцию в отдельной горутине; исход
// доставляется в AccountHandler.OnRegState
func (a *account) Register(ctx context.Context) error {
	cfg := a.config()
	if cfg.RegistrarURI == "" {
		return fmt.Errorf("аккаунт %s без регистрара", cfg.IDURI)
	}
	go a.doRegister(ctx, cfg)
	return nil
}

func (a *account) doRegister(ctx context.Context, cfg engine.AccountConfig) {
	log := a.engine.log

	var registrar sip.Uri
	if err := sip.ParseUri(cfg.RegistrarURI, &registrar); err != nil {
		log.Error("некорректный URI регистрара", patrol.Err(err), patrol.String("uri", cfg.RegistrarURI))
		a.handler.OnRegState(engine.RegInfo{Code: 400, Reason: "Bad Registrar URI"})
		return
	}

	req := sip.NewRequest(sip.REGISTER, registrar)
	maxFwd := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxFwd)

	local := a.localURI()
	fromParams := sip.NewParams()
	fromParams.Add("tag", newTag())
	req.AppendHeader(&sip.FromHeader{Address: local, Params: fromParams})
	req.AppendHeader(&sip.ToHeader{Address: local, Params: sip.NewParams()})

	callID := sip.CallIDHeader(uuid.NewString())
	req.AppendHeader(&callID)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: 1, MethodName: sip.REGISTER})
	req.AppendHeader(&sip.ContactHeader{Address: a.contactURI()})
	req.AppendHeader(sip.NewHeader("Expires", "60"))
	for _, h := range cfg.Headers {
		req.AppendHeader(sip.NewHeader(h.Name, h.Value))
	}

	res, err := a.roundTrip(ctx, req)
	if err != nil {
		log.Error("REGISTER не доставлен", patrol.Err(err))
		a.handler.OnRegState(engine.RegInfo{Code: 408, Reason: "Request Timeout"})
		return
	}

	// Одна попытка digest аутентификации на 401/407
	if (res.StatusCode == 401 || res.StatusCode == 407) && cfg.Auth != nil {
		authReq, err := authorize(req, res, cfg.Auth)
		if err != nil {
			log.Error("digest аутентификация не удалась", patrol.Err(err))
			a.handler.OnRegState(engine.RegInfo{Code: int(res.StatusCode), Reason: res.Reason})
			return
		}
		res, err = a.roundTripAuth(ctx, authReq)
		if err != nil {
			log.Error("аутентифицированный REGISTER не доставлен", patrol.Err(err))
			a.handler.OnRegState(engine.RegInfo{Code: 408, Reason: "Request Timeout"})
			return
		}
	}

	info := engine.RegInfo{
		Code:      int(res.StatusCode),
		Reason:    res.Reason,
		Active:    res.StatusCode >= 200 && res.StatusCode < 300,
		Transport: a.engine.transportName(cfg.TransportID),
	}
	if exp := res.GetHeader("Expires"); exp != nil {
		if secs, err := time.ParseDuration(exp.Value() + "s"); err == nil {
			info.Expiration = secs
		}
	}
	a.handler.OnRegState(info)
}

// roundTrip отправляет запрос и ждет финальный ответ
func (a *account) roundTrip(ctx context.Context, req *sip.Request) (*sip.Response, error) {
	tx, err := a.engine.client.TransactionRequest(ctx, req)
	if err != nil {
		return nil, err
	}
	defer tx.Terminate()
	return waitFinal(ctx, tx)
}

// roundTripAuthTx повторная отправка с Authorization: CSeq растёт, Via новая
func (a *account) roundTripAuthTx(ctx context.Context, req *sip.Request) (sip.ClientTransaction, error) {
	return a.engine.client.TransactionRequest(ctx, req,
		sipgo.ClientRequestIncreaseCSEQ,
		sipgo.ClientRequestAddVia,
	)
}

// roundTripAuth как roundTripAuthTx, но дожидается финального ответа
func (a *account) roundTripAuth(ctx context.Context, req *sip.Request) (*sip.Response, error) {
	tx, err := a.roundTripAuthTx(ctx, req)
	if err != nil {
		return nil, err
	}
	defer tx.Terminate()
	return waitFinal(ctx, tx)
}

// waitFinal ждет финальный ответ транзакции, предварительные пропускает
func waitFinal(ctx context.Context, tx sip.ClientTransaction) (*sip.Response, error) {
	timer := time.NewTimer(waitTimeout)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return nil, fmt.Errorf("тайм-аут транзакции")
		case <-tx.Done():
			if err := tx.Err(); err != nil {
				return nil, err
			}
			return nil, fmt.Errorf("транзакция завершилась без ответа")
		case res := <-tx.Responses():
			if res == nil {
				return nil, fmt.Errorf("транзакция завершилась без ответа")
			}
			if res.StatusCode >= 200 {
				return res, nil
			}
		}
	}
}

// authorize собирает повтор запроса с digest ответом на челлендж
func authorize(orig *sip.Request, challenge *sip.Response, auth *engine.AuthCred) (*sip.Request, error) {
	authHeader := "WWW-Authenticate"
	authzHeader := "Authorization"
	if challenge.StatusCode == 407 {
		authHeader = "Proxy-Authenticate"
		authzHeader = "Proxy-Authorization"
	}
	h := challenge.GetHeader(authHeader)
	if h == nil {
		return nil, fmt.Errorf("ответ %d без заголовка %s", challenge.StatusCode, authHeader)
	}
	chal, err := digest.ParseChallenge(h.Value())
	if err != nil {
		return nil, fmt.Errorf("разбор челленджа: %w", err)
	}
	cred, err := digest.Digest(chal, digest.Options{
		Method:   orig.Method.String(),
		URI:      orig.Recipient.String(),
		Username: auth.Username,
		Password: auth.Password,
	})
	if err != nil {
		return nil, fmt.Errorf("вычисление digest: %w", err)
	}

	req := orig.Clone()
	req.RemoveHeader("Via")
	req.AppendHeader(sip.NewHeader(authzHeader, cred.String()))
	return req, nil
}

// MakeCall строит INVITE с SDP оффером и запускает горутину обработки
// ответов; уведомления пойдут в переданный CallHandler
func (a *account) MakeCall(ctx context.Context, target string, opts engine.CallOpts, h engine.CallHandler) (engine.Call, error) {
	if h == nil {
		return nil, fmt.Errorf("вызов без обработчика")
	}
	var targetURI sip.Uri
	if err := sip.ParseUri(target, &targetURI); err != nil {
		return nil, fmt.Errorf("некорректный URI вызова %q: %w", target, err)
	}

	media, err := newMediaSession(a.engine, a.engine.allocRTPPort())
	if err != nil {
		return nil, fmt.Errorf("медиасессия: %w", err)
	}

	c := newOutgoingCall(a.engine, a, target, media)
	c.bindHandler(h)

	invite := sip.NewRequest(sip.INVITE, targetURI)
	maxFwd := sip.MaxForwardsHeader(70)
	invite.AppendHeader(&maxFwd)

	fromParams := sip.NewParams()
	fromParams.Add("tag", c.localTag)
	invite.AppendHeader(&sip.FromHeader{Address: a.localURI(), Params: fromParams})
	invite.AppendHeader(&sip.ToHeader{Address: targetURI, Params: sip.NewParams()})

	callID := sip.CallIDHeader(c.sipCallID)
	invite.AppendHeader(&callID)
	invite.AppendHeader(&sip.CSeqHeader{SeqNo: 1, MethodName: sip.INVITE})
	invite.AppendHeader(&sip.ContactHeader{Address: a.contactURI()})
	for _, hdr := range opts.Headers {
		invite.AppendHeader(sip.NewHeader(hdr.Name, hdr.Value))
	}
	contentType := sip.ContentTypeHeader("application/sdp")
	invite.AppendHeader(&contentType)
	invite.SetBody(media.offer())

	tx, err := a.engine.client.TransactionRequest(ctx, invite)
	if err != nil {
		media.close()
		return nil, err
	}
	c.bindInvite(invite, tx)
	a.engine.registerCall(c)

	go c.consumeResponses(ctx, a.config().Auth)
	return c, nil
}

// newTag локальный tag диалога
func newTag() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}
