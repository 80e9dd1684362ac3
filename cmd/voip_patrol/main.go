// voip_patrol — харнесс тестирования VoIP инфраструктуры по XML сценариям.
//
// Читает сценарий, выполняет его действия (register/call/accept/wait/alert)
// против реального SIP окружения и пишет построчный JSON отчёт результатов.
// Код возврата 0 — прогон дошёл до конца, 1 — ошибка запуска; провалы
// тестов видны только как строки FAIL в файле результатов.
package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/arzzra/voip_patrol/pkg/alert"
	"github.com/arzzra/voip_patrol/pkg/engine/sipgoengine"
	"github.com/arzzra/voip_patrol/pkg/patrol"
	"github.com/arzzra/voip_patrol/pkg/scenario"
)

const version = "0.1.0"

func main() {
	os.Exit(run())
}

func run() int {
	var (
		confFile     string
		outputFile   string
		logFile      string
		ip           string
		port         int
		tlsPort      int
		logLevel     string
		tlsCAList    string
		tlsCert      string
		tlsPrivKey   string
		tlsVerifySrv bool
		metricsAddr  string
		showVersion  bool
	)

	flag.StringVar(&confFile, "c", "", "файл XML сценария")
	flag.StringVar(&confFile, "conf", "", "файл XML сценария")
	flag.StringVar(&outputFile, "o", "results.json", "файл результатов")
	flag.StringVar(&outputFile, "output", "results.json", "файл результатов")
	flag.StringVar(&logFile, "l", "", "файл лога (JSON), пусто — stdout")
	flag.StringVar(&logFile, "log", "", "файл лога (JSON), пусто — stdout")
	flag.StringVar(&ip, "ip", "127.0.0.1", "локальный сигнальный адрес")
	flag.IntVar(&port, "p", 5060, "сигнальный порт UDP/TCP")
	flag.IntVar(&port, "port", 5060, "сигнальный порт UDP/TCP")
	flag.IntVar(&tlsPort, "tls-port", 5061, "сигнальный порт TLS")
	flag.StringVar(&logLevel, "log-level", "info", "уровень лога: debug|info|warn|error")
	flag.StringVar(&tlsCAList, "tls-calist", "", "PEM файл доверенных CA")
	flag.StringVar(&tlsCert, "tls-cert", "", "PEM файл сертификата")
	flag.StringVar(&tlsPrivKey, "tls-privkey", "", "PEM файл приватного ключа")
	flag.BoolVar(&tlsVerifySrv, "tls-verify-server", false, "проверять сертификат сервера")
	flag.StringVar(&metricsAddr, "metrics", "", "адрес HTTP эндпоинта метрик, пусто — выключено")
	flag.BoolVar(&showVersion, "v", false, "показать версию")
	flag.BoolVar(&showVersion, "version", false, "показать версию")
	flag.Parse()

	if showVersion {
		fmt.Println("voip_patrol " + version)
		return 0
	}
	if confFile == "" {
		fmt.Fprintln(os.Stderr, "не задан файл сценария (-c)")
		flag.Usage()
		return 1
	}

	log, closeLog, err := buildLogger(logFile, logLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer closeLog()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tlsConf, err := buildTLSConfig(tlsCert, tlsPrivKey, tlsCAList, tlsVerifySrv)
	if err != nil {
		log.Error("конфигурация TLS не применена", patrol.Err(err))
		return 1
	}

	steps, err := scenario.Load(confFile)
	if err != nil {
		log.Error("сценарий не загружен", patrol.Err(err))
		return 1
	}

	engCfg := sipgoengine.DefaultConfig()
	engCfg.IP = ip
	engCfg.Port = port
	engCfg.TLSPort = tlsPort
	engCfg.TLSConfig = tlsConf
	eng := sipgoengine.New(engCfg, log)
	if err := eng.Start(ctx); err != nil {
		log.Error("движок не запущен", patrol.Err(err))
		return 1
	}

	resultFile, err := patrol.NewResultFile(outputFile)
	if err != nil {
		log.Error("файл результатов не открыт", patrol.Err(err))
		return 1
	}

	metrics := patrol.NewMetrics(prometheus.DefaultRegisterer)
	if metricsAddr != "" {
		go serveMetrics(metricsAddr, log)
	}

	config := patrol.NewConfig(eng, resultFile, log, metrics)
	defer config.Close()

	if _, err := config.CreateDefaultAccount(); err != nil {
		log.Error("аккаунт default не создан", patrol.Err(err))
	}

	action := patrol.NewAction(config)
	for _, step := range steps {
		if ctx.Err() != nil {
			break
		}
		// Ошибки отдельных шагов уже в логе, сценарий продолжается
		_ = action.Execute(ctx, step)
	}

	// Дожидаемся всех незавершённых тестов, затем отчёт и общее завершение
	action.Supervisor().Wait(ctx, 0, true)

	if to, from, smtpHost := config.AlertConfig(); to != "" {
		body := patrol.ReportHTML(config.ReportRows())
		if err := alert.NewSender(log).Send(to, from, smtpHost, body); err != nil {
			log.Error("отчёт не отправлен", patrol.Err(err))
		}
	}

	eng.HangupAll()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := eng.Shutdown(shutdownCtx); err != nil {
		log.Error("движок остановлен с ошибкой", patrol.Err(err))
	}

	// Провалы тестов не влияют на код возврата, их место — файл результатов
	log.Info("прогон завершён",
		patrol.Int("total", config.ResultCount()),
		patrol.Int("failed", config.FailedCount()),
	)
	return 0
}

// buildLogger консольный текстовый либо файловый JSON логгер
func buildLogger(logFile, level string) (patrol.StructuredLogger, func(), error) {
	var log *patrol.DefaultLogger
	closeFn := func() {}

	if logFile != "" {
		f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, nil, fmt.Errorf("файл лога: %w", err)
		}
		log = patrol.NewFileLogger(f)
		closeFn = func() { _ = f.Close() }
	} else {
		log = patrol.NewDefaultLogger()
	}

	switch level {
	case "debug":
		log.SetLevel(patrol.LogLevelDebug)
	case "info":
		log.SetLevel(patrol.LogLevelInfo)
	case "warn":
		log.SetLevel(patrol.LogLevelWarn)
	case "error":
		log.SetLevel(patrol.LogLevelError)
	default:
		return nil, nil, fmt.Errorf("неизвестный уровень лога %q", level)
	}
	return log, closeFn, nil
}

// buildTLSConfig nil без пары сертификат/ключ — TLS транспорт не поднимается
func buildTLSConfig(cert, key, caList string, verifyServer bool) (*tls.Config, error) {
	if cert == "" || key == "" {
		return nil, nil
	}
	pair, err := tls.LoadX509KeyPair(cert, key)
	if err != nil {
		return nil, fmt.Errorf("загрузка сертификата: %w", err)
	}
	conf := &tls.Config{
		Certificates:       []tls.Certificate{pair},
		InsecureSkipVerify: !verifyServer,
	}
	if caList != "" {
		pem, err := os.ReadFile(caList)
		if err != nil {
			return nil, fmt.Errorf("чтение CA: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("%s: нет валидных CA сертификатов", caList)
		}
		conf.RootCAs = pool
	}
	return conf, nil
}

func serveMetrics(addr string, log patrol.StructuredLogger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	log.Info("метрики доступны", patrol.String("addr", addr))
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Error("HTTP сервер метрик остановлен", patrol.Err(err))
	}
}
