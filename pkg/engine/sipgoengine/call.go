package sipgoengine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"

	"github.com/arzzra/voip_patrol/pkg/engine"
	"github.com/arzzra/voip_patrol/pkg/patrol"
)

// call SIP вызов движка, обе роли
type call struct {
	eng       *Engine
	acc       *account
	id        int
	sipCallID string
	localTag  string
	role      engine.Role

	mu          sync.Mutex
	handler     engine.CallHandler
	st          engine.CallState
	lastCode    int
	lastReason  string
	created     time.Time
	connectedAt time.Time
	localURI    string
	remoteURI   string
	peerSocket  string
	transport   string
	cseq        uint32
	done        bool

	media *mediaSession

	// Диалоговые заголовки для in-dialog запросов (BYE, INFO),
	// фиксируются в момент подтверждения
	dlgFrom   sip.FromHeader
	dlgTo     sip.ToHeader
	dlgTarget sip.Uri

	// Сторона звонящего
	invite   *sip.Request
	inviteTx sip.ClientTransaction

	// Сторона отвечающего
	inviteReq *sip.Request
	serverTx  sip.ServerTransaction
}

// newOutgoingCall вызов со стороны звонящего, до отправки INVITE
func newOutgoingCall(eng *Engine, acc *account, target string, media *mediaSession) *call {
	return &call{
		eng:       eng,
		acc:       acc,
		sipCallID: uuid.NewString(),
		localTag:  newTag(),
		role:      engine.RoleCaller,
		st:        engine.StateCalling,
		created:   time.Now(),
		localURI:  acc.uri(),
		remoteURI: target,
		transport: eng.transportName(acc.config().TransportID),
		cseq:      1,
		media:     media,
	}
}

// newIncomingCall вызов со стороны отвечающего, из принятого INVITE
func newIncomingCall(eng *Engine, acc *account, req *sip.Request, tx sip.ServerTransaction) *call {
	c := &call{
		eng:       eng,
		acc:       acc,
		localTag:  newTag(),
		role:      engine.RoleCallee,
		st:        engine.StateIncoming,
		created:   time.Now(),
		localURI:  acc.uri(),
		transport: req.Transport(),
		cseq:      1,
		inviteReq: req,
		serverTx:  tx,
	}
	if h := req.CallID(); h != nil {
		c.sipCallID = h.Value()
	}
	if from := req.From(); from != nil {
		c.remoteURI = from.Address.String()
	}
	c.peerSocket = req.Source()

	media, err := newMediaSession(eng, eng.allocRTPPort())
	if err != nil {
		eng.log.Error("медиасессия входящего вызова", patrol.Err(err))
	} else {
		media.setRemoteFromSDP(req.Body())
		c.media = media
	}
	return c
}

func (c *call) bindHandler(h engine.CallHandler) {
	c.mu.Lock()
	c.handler = h
	media := c.media
	c.mu.Unlock()
	if media != nil {
		media.onDTMF = c.deliverDTMF
	}
}

func (c *call) bindInvite(req *sip.Request, tx sip.ClientTransaction) {
	c.mu.Lock()
	c.invite = req
	c.inviteTx = tx
	c.mu.Unlock()
}

// ID идентификатор вызова в движке
func (c *call) ID() int { return c.id }

func (c *call) state() engine.CallState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.st
}

// Info снимок состояния диалога
func (c *call) Info() engine.CallInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	info := engine.CallInfo{
		Role:           c.role,
		State:          c.st,
		CallID:         c.sipCallID,
		LocalURI:       c.localURI,
		RemoteURI:      c.remoteURI,
		LastStatusCode: c.lastCode,
		LastReason:     c.lastReason,
		TotalDuration:  time.Since(c.created),
		Transport:      c.transport,
		PeerSocket:     c.peerSocket,
	}
	if !c.connectedAt.IsZero() {
		info.ConnectDuration = time.Since(c.connectedAt)
	}
	return info
}

// setState переводит диалог и уведомляет обработчик вне мьютекса
func (c *call) setState(st engine.CallState, code int, reason string) {
	c.mu.Lock()
	if c.done {
		c.mu.Unlock()
		return
	}
	c.st = st
	if code != 0 {
		c.lastCode = code
		c.lastReason = reason
	}
	if st == engine.StateConfirmed && c.connectedAt.IsZero() {
		c.connectedAt = time.Now()
	}
	if st == engine.StateDisconnected {
		c.done = true
	}
	h := c.handler
	c.mu.Unlock()

	if h != nil {
		h.OnCallState(c.Info())
	}
}

// finish терминальный переход с освобождением медиа
func (c *call) finish(code int, reason string) {
	c.mu.Lock()
	if c.done {
		c.mu.Unlock()
		return
	}
	media := c.media
	c.mu.Unlock()

	if media != nil {
		stats := media.close()
		c.mu.Lock()
		h := c.handler
		c.mu.Unlock()
		if h != nil {
			h.OnStreamDestroyed(stats)
		}
	}
	c.setState(engine.StateDisconnected, code, reason)
}

// consumeResponses цикл ответов исходящего INVITE: предварительные
// двигают состояние, 401/407 перевыставляет запрос с digest, финальный
// подтверждает или завершает вызов
func (c *call) consumeResponses(ctx context.Context, auth *engine.AuthCred) {
	c.mu.Lock()
	tx := c.inviteTx
	invite := c.invite
	c.mu.Unlock()

	authTried := false
	timer := time.NewTimer(waitTimeout)
	defer timer.Stop()

	for {
		var res *sip.Response
		select {
		case <-ctx.Done():
			tx.Terminate()
			c.finish(487, "Request Terminated")
			return
		case <-timer.C:
			tx.Terminate()
			c.finish(408, "Request Timeout")
			return
		case <-tx.Done():
			if c.state() != engine.StateConfirmed && c.state() != engine.StateDisconnected {
				c.finish(408, "Request Timeout")
			}
			return
		case res = <-tx.Responses():
		}
		if res == nil {
			continue
		}

		code := int(res.StatusCode)
		switch {
		case code == 100:

		case code < 200:
			if src := res.Source(); src != "" {
				c.mu.Lock()
				c.peerSocket = src
				c.mu.Unlock()
			}
			c.setState(engine.StateEarly, code, res.Reason)

		case (code == 401 || code == 407) && auth != nil && !authTried:
			authTried = true
			tx.Terminate()
			authReq, err := authorize(invite, res, auth)
			if err != nil {
				c.eng.log.Error("digest аутентификация вызова не удалась", patrol.Err(err))
				c.finish(code, res.Reason)
				return
			}
			newTx, err := c.acc.roundTripAuthTx(ctx, authReq)
			if err != nil {
				c.eng.log.Error("аутентифицированный INVITE не доставлен", patrol.Err(err))
				c.finish(code, res.Reason)
				return
			}
			c.bindInvite(authReq, newTx)
			invite = authReq
			tx = newTx

		case code < 300:
			c.confirmOutgoing(invite, res, tx)
			if c.state() != engine.StateConfirmed {
				return
			}

		default:
			tx.Terminate()
			c.finish(code, res.Reason)
			return
		}
	}
}

// confirmOutgoing обрабатывает 2xx: ACK, SDP answer, диалоговые заголовки
func (c *call) confirmOutgoing(invite *sip.Request, res *sip.Response, tx sip.ClientTransaction) {
	c.mu.Lock()
	c.dlgTarget = invite.Recipient
	if contact := res.Contact(); contact != nil {
		c.dlgTarget = contact.Address
	}
	if from := invite.From(); from != nil {
		c.dlgFrom = sip.FromHeader{DisplayName: from.DisplayName, Address: from.Address, Params: from.Params}
	}
	if to := res.To(); to != nil {
		c.dlgTo = sip.ToHeader{DisplayName: to.DisplayName, Address: to.Address, Params: to.Params}
	}
	if src := res.Source(); src != "" {
		c.peerSocket = src
	}
	media := c.media
	c.mu.Unlock()

	if err := c.sendACK(invite, res); err != nil {
		c.eng.log.Error("не удалось отправить ACK", patrol.Err(err), patrol.String("callid", c.sipCallID))
	}
	if media != nil {
		media.setRemoteFromSDP(res.Body())
		media.start()
	}
	c.setState(engine.StateConfirmed, int(res.StatusCode), res.Reason)
}

// sendACK подтверждает 2xx вне INVITE транзакции
func (c *call) sendACK(invite *sip.Request, res *sip.Response) error {
	requestURI := invite.Recipient
	if contact := res.Contact(); contact != nil {
		requestURI = contact.Address
	}

	ack := sip.NewRequest(sip.ACK, requestURI)
	sip.CopyHeaders("From", invite, ack)
	sip.CopyHeaders("Call-ID", invite, ack)
	if to := res.To(); to != nil {
		ack.AppendHeader(&sip.ToHeader{DisplayName: to.DisplayName, Address: to.Address, Params: to.Params})
	}
	if cseq := invite.CSeq(); cseq != nil {
		ack.AppendHeader(&sip.CSeqHeader{SeqNo: cseq.SeqNo, MethodName: sip.ACK})
	}
	maxFwd := sip.MaxForwardsHeader(70)
	ack.AppendHeader(&maxFwd)

	if dest := res.Source(); dest != "" {
		ack.SetDestination(dest)
	}
	return c.eng.client.WriteRequest(ack)
}

// Answer отвечает на входящий вызов
func (c *call) Answer(code int, reason string) error {
	c.mu.Lock()
	req := c.inviteReq
	tx := c.serverTx
	media := c.media
	done := c.done
	c.mu.Unlock()

	if c.role != engine.RoleCallee || req == nil || tx == nil {
		return fmt.Errorf("answer применим только к входящему вызову")
	}
	if done {
		return engine.ErrNoSuchTransaction
	}
	if reason == "" {
		reason = defaultReason(code)
	}

	switch {
	case code < 200:
		res := sip.NewResponseFromRequest(req, code, reason, nil)
		c.addToTag(res)
		if err := tx.Respond(res); err != nil {
			return err
		}
		c.setState(engine.StateEarly, code, reason)
		return nil

	case code < 300:
		var body []byte
		if media != nil {
			body = media.offer()
		}
		res := sip.NewResponseFromRequest(req, code, reason, body)
		c.addToTag(res)
		if body != nil {
			contentType := sip.ContentTypeHeader("application/sdp")
			res.AppendHeader(&contentType)
		}
		res.AppendHeader(&sip.ContactHeader{Address: c.acc.contactURI()})
		if err := tx.Respond(res); err != nil {
			return err
		}
		c.rememberDialogFromInvite(req)
		c.setState(engine.StateConnecting, code, reason)
		return nil

	default:
		res := sip.NewResponseFromRequest(req, code, reason, nil)
		c.addToTag(res)
		if err := tx.Respond(res); err != nil {
			return err
		}
		c.finish(code, reason)
		return nil
	}
}

// defaultReason фраза причины по умолчанию для частых кодов
func defaultReason(code int) string {
	switch code {
	case 180:
		return "Ringing"
	case 183:
		return "Session Progress"
	case 200:
		return "OK"
	case 404:
		return "Not Found"
	case 486:
		return "Busy Here"
	case 487:
		return "Request Terminated"
	case 603:
		return "Decline"
	}
	return "OK"
}

// addToTag помечает ответ локальным tag диалога
func (c *call) addToTag(res *sip.Response) {
	if to := res.To(); to != nil {
		if _, ok := to.Params.Get("tag"); !ok {
			to.Params.Add("tag", c.localTag)
		}
	}
}

// rememberDialogFromInvite фиксирует диалоговые заголовки отвечающей стороны
func (c *call) rememberDialogFromInvite(req *sip.Request) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if from := req.From(); from != nil {
		c.dlgTo = sip.ToHeader{DisplayName: from.DisplayName, Address: from.Address, Params: from.Params}
	}
	if to := req.To(); to != nil {
		params := sip.NewParams()
		params.Add("tag", c.localTag)
		c.dlgFrom = sip.FromHeader{DisplayName: to.DisplayName, Address: to.Address, Params: params}
	}
	c.dlgTarget = req.Recipient
	if contact := req.Contact(); contact != nil {
		c.dlgTarget = contact.Address
	}
}

// onAck ACK от звонящего подтверждает входящий вызов
func (c *call) onAck() {
	if c.state() != engine.StateConnecting {
		return
	}
	c.mu.Lock()
	media := c.media
	c.mu.Unlock()
	if media != nil {
		media.start()
	}
	c.setState(engine.StateConfirmed, 200, "OK")
}

// onRemoteBye завершение вызова удалённой стороной
func (c *call) onRemoteBye() {
	c.finish(200, "Normal call clearing")
}

// onRemoteCancel отмена неподтверждённого входящего
func (c *call) onRemoteCancel() {
	c.mu.Lock()
	req := c.inviteReq
	tx := c.serverTx
	c.mu.Unlock()
	if req != nil && tx != nil {
		_ = tx.Respond(sip.NewResponseFromRequest(req, 487, "Request Terminated", nil))
	}
	c.finish(487, "Request Terminated")
}

// onReinvite подтверждает ре-INVITE текущим SDP
func (c *call) onReinvite(req *sip.Request, tx sip.ServerTransaction) {
	c.mu.Lock()
	media := c.media
	c.mu.Unlock()
	var body []byte
	if media != nil {
		body = media.offer()
	}
	res := sip.NewResponseFromRequest(req, 200, "OK", body)
	if body != nil {
		contentType := sip.ContentTypeHeader("application/sdp")
		res.AppendHeader(&contentType)
	}
	_ = tx.Respond(res)
}

// Hangup завершает вызов соответственно фазе: CANCEL звонящего до
// подтверждения, отказ отвечающего, BYE в установленном диалоге
func (c *call) Hangup() error {
	switch c.state() {
	case engine.StateDisconnected:
		return engine.ErrNoSuchTransaction

	case engine.StateConfirmed:
		err := c.sendBye()
		c.finish(200, "Normal call clearing")
		return err

	default:
		if c.role == engine.RoleCaller {
			err := c.sendCancel()
			c.finish(487, "Request Terminated")
			return err
		}
		err := c.Answer(603, "Decline")
		if err != nil {
			c.finish(603, "Decline")
		}
		return err
	}
}

// sendCancel отменяет незавершённый исходящий INVITE
func (c *call) sendCancel() error {
	c.mu.Lock()
	invite := c.invite
	c.mu.Unlock()
	if invite == nil {
		return engine.ErrNoSuchTransaction
	}

	cancelReq := sip.NewRequest(sip.CANCEL, invite.Recipient)
	sip.CopyHeaders("Via", invite, cancelReq)
	sip.CopyHeaders("From", invite, cancelReq)
	sip.CopyHeaders("To", invite, cancelReq)
	sip.CopyHeaders("Call-ID", invite, cancelReq)
	if cseq := invite.CSeq(); cseq != nil {
		cancelReq.AppendHeader(&sip.CSeqHeader{SeqNo: cseq.SeqNo, MethodName: sip.CANCEL})
	}
	maxFwd := sip.MaxForwardsHeader(70)
	cancelReq.AppendHeader(&maxFwd)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	tx, err := c.eng.client.TransactionRequest(ctx, cancelReq)
	if err != nil {
		return err
	}
	defer tx.Terminate()
	res, err := waitFinal(ctx, tx)
	if err != nil {
		return err
	}
	if res.StatusCode == 481 {
		return engine.ErrNoSuchTransaction
	}
	return nil
}

// sendBye завершает установленный диалог
func (c *call) sendBye() error {
	req := c.newDialogRequest(sip.BYE, nil, "")
	if req == nil {
		return engine.ErrNoSuchTransaction
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	tx, err := c.eng.client.TransactionRequest(ctx, req)
	if err != nil {
		return err
	}
	defer tx.Terminate()
	_, err = waitFinal(ctx, tx)
	return err
}

// newDialogRequest собирает in-dialog запрос из зафиксированных
// диалоговых заголовков
func (c *call) newDialogRequest(method sip.RequestMethod, body []byte, contentType string) *sip.Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dlgTarget.Host == "" {
		return nil
	}
	c.cseq++

	req := sip.NewRequest(method, c.dlgTarget)
	maxFwd := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxFwd)
	from := c.dlgFrom
	to := c.dlgTo
	req.AppendHeader(&from)
	req.AppendHeader(&to)
	callID := sip.CallIDHeader(c.sipCallID)
	req.AppendHeader(&callID)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: c.cseq, MethodName: method})
	if body != nil {
		ct := sip.ContentTypeHeader(contentType)
		req.AppendHeader(&ct)
		req.SetBody(body)
	}
	return req
}

// DialDTMF шлет цифры внеполосно, по одному INFO на цифру
func (c *call) DialDTMF(digits string) error {
	if c.state() != engine.StateConfirmed {
		return fmt.Errorf("DTMF до подтверждения вызова")
	}
	for i := 0; i < len(digits); i++ {
		body := []byte(fmt.Sprintf("Signal=%c\r\nDuration=160\r\n", digits[i]))
		req := c.newDialogRequest(sip.INFO, body, "application/dtmf-relay")
		if req == nil {
			return engine.ErrNoSuchTransaction
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		tx, err := c.eng.client.TransactionRequest(ctx, req)
		if err != nil {
			cancel()
			return err
		}
		_, err = waitFinal(ctx, tx)
		tx.Terminate()
		cancel()
		if err != nil {
			return err
		}
	}
	return nil
}

// deliverDTMF доставляет принятую цифру обработчику
func (c *call) deliverDTMF(digit byte) {
	c.mu.Lock()
	h := c.handler
	c.mu.Unlock()
	if h != nil {
		h.OnDTMFDigit(digit)
	}
}

// StartPlayback проигрывает WAV файл в вызов
func (c *call) StartPlayback(file string) error {
	c.mu.Lock()
	media := c.media
	c.mu.Unlock()
	if media == nil {
		return fmt.Errorf("вызов без медиасессии")
	}
	return media.startPlayback(file)
}

// StartRecording пишет принимаемое аудио в WAV файл
func (c *call) StartRecording(file string) error {
	c.mu.Lock()
	media := c.media
	c.mu.Unlock()
	if media == nil {
		return fmt.Errorf("вызов без медиасессии")
	}
	return media.startRecording(file)
}

// StopMedia останавливает плеер и рекордер, сокет остаётся до конца вызова
func (c *call) StopMedia() {
	c.mu.Lock()
	media := c.media
	c.mu.Unlock()
	if media != nil {
		media.stopStreams()
	}
}
