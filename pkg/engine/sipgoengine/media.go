package sipgoengine

import (
	"encoding/binary"
	"fmt"
	"math"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/sdp/v3"
	"github.com/zaf/g711"

	"github.com/arzzra/voip_patrol/pkg/engine"
)

const (
	payloadTypePCMU = 0
	payloadTypeDTMF = 101

	sampleRate      = 8000
	ptimeMS         = 20
	samplesPerFrame = sampleRate / 1000 * ptimeMS
)

// mediaSession G.711u медиа одного вызова: UDP сокет, RTP читатель со
// счётчиками RFC 3550, плеер из WAV и рекордер в WAV
type mediaSession struct {
	eng  *Engine
	conn *net.UDPConn

	localPort int

	mu         sync.Mutex
	remote     *net.UDPAddr
	started    bool
	closed     bool
	playFile   string
	playStop   chan struct{}
	recorder   *wavWriter
	lastDigit  byte
	lastDigitT time.Time

	// Счётчики приёма
	rxPackets uint32
	rxBytes   uint32
	rxLost    uint32
	maxSeq    uint16
	seqInit   bool
	jitter    float64
	jitterMax float64
	jitterSum float64
	lastTS    uint32
	lastRecv  time.Time

	// Счётчики передачи
	txPackets uint32
	txBytes   uint32

	onDTMF func(digit byte)
	done   chan struct{}
}

// newMediaSession открывает RTP сокет на порту из диапазона движка
func newMediaSession(eng *Engine, port int) (*mediaSession, error) {
	addr := &net.UDPAddr{IP: net.ParseIP(eng.cfg.IP), Port: port}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("открытие RTP сокета: %w", err)
	}
	return &mediaSession{
		eng:       eng,
		conn:      conn,
		localPort: conn.LocalAddr().(*net.UDPAddr).Port,
		done:      make(chan struct{}),
	}, nil
}

// offer локальное SDP описание сессии
func (m *mediaSession) offer() []byte {
	desc := &sdp.SessionDescription{
		Version: 0,
		Origin: sdp.Origin{
			Username:       "-",
			SessionID:      uint64(time.Now().UnixNano()),
			SessionVersion: 2,
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: m.eng.cfg.IP,
		},
		SessionName: "voip_patrol",
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address:     &sdp.Address{Address: m.eng.cfg.IP},
		},
		TimeDescriptions: []sdp.TimeDescription{{}},
	}
	media := &sdp.MediaDescription{
		MediaName: sdp.MediaName{
			Media:   "audio",
			Port:    sdp.RangedPort{Value: m.localPort},
			Protos:  []string{"RTP", "AVP"},
			Formats: []string{strconv.Itoa(payloadTypePCMU), strconv.Itoa(payloadTypeDTMF)},
		},
		Attributes: []sdp.Attribute{
			{Key: "rtpmap", Value: fmt.Sprintf("%d PCMU/8000", payloadTypePCMU)},
			{Key: "rtpmap", Value: fmt.Sprintf("%d telephone-event/8000", payloadTypeDTMF)},
			{Key: "fmtp", Value: fmt.Sprintf("%d 0-15", payloadTypeDTMF)},
			{Key: "ptime", Value: strconv.Itoa(ptimeMS)},
			{Key: "sendrecv"},
		},
	}
	desc.MediaDescriptions = []*sdp.MediaDescription{media}

	body, err := desc.Marshal()
	if err != nil {
		return nil
	}
	return body
}

// setRemoteFromSDP извлекает адрес аудиопотока удалённой стороны
func (m *mediaSession) setRemoteFromSDP(body []byte) {
	if len(body) == 0 {
		return
	}
	var desc sdp.SessionDescription
	if err := desc.Unmarshal(body); err != nil {
		return
	}

	host := ""
	if desc.ConnectionInformation != nil && desc.ConnectionInformation.Address != nil {
		host = desc.ConnectionInformation.Address.Address
	}
	for _, md := range desc.MediaDescriptions {
		if md.MediaName.Media != "audio" {
			continue
		}
		if md.ConnectionInformation != nil && md.ConnectionInformation.Address != nil {
			host = md.ConnectionInformation.Address.Address
		}
		if host == "" {
			return
		}
		m.mu.Lock()
		m.remote = &net.UDPAddr{IP: net.ParseIP(host), Port: md.MediaName.Port.Value}
		m.mu.Unlock()
		return
	}
}

// start запускает читателя RTP; повторные вызовы безвредны
func (m *mediaSession) start() {
	m.mu.Lock()
	if m.started || m.closed {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.mu.Unlock()
	go m.readLoop()
}

// readLoop принимает RTP, ведёт счётчики и раздаёт полезную нагрузку
// рекордеру и детектору telephone-event
func (m *mediaSession) readLoop() {
	buf := make([]byte, 1500)
	for {
		select {
		case <-m.done:
			return
		default:
		}
		_ = m.conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
		n, _, err := m.conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return
		}

		var pkt rtp.Packet
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			continue
		}

		switch pkt.PayloadType {
		case payloadTypeDTMF:
			m.handleTelephoneEvent(pkt.Payload)
		case payloadTypePCMU:
			m.accountReceived(&pkt, n)
			m.writeRecording(pkt.Payload)
		}
	}
}

// accountReceived счётчики приёма: потери по разрывам sequence number,
// джиттер по RFC 3550 в единицах таймстемпа, хранится в миллисекундах
func (m *mediaSession) accountReceived(pkt *rtp.Packet, size int) {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()

	m.rxPackets++
	m.rxBytes += uint32(size)

	if !m.seqInit {
		m.seqInit = true
		m.maxSeq = pkt.SequenceNumber
	} else {
		expected := m.maxSeq + 1
		if pkt.SequenceNumber != expected {
			gap := int32(pkt.SequenceNumber) - int32(expected)
			if gap > 0 && gap < 1000 {
				m.rxLost += uint32(gap)
			}
		}
		if seqGreater(pkt.SequenceNumber, m.maxSeq) {
			m.maxSeq = pkt.SequenceNumber
		}
	}

	if !m.lastRecv.IsZero() {
		arrival := now.Sub(m.lastRecv).Seconds() * sampleRate
		transit := arrival - float64(pkt.Timestamp-m.lastTS)
		d := math.Abs(transit)
		m.jitter += (d - m.jitter) / 16
		jitterMS := m.jitter / sampleRate * 1000
		if jitterMS > m.jitterMax {
			m.jitterMax = jitterMS
		}
		m.jitterSum += jitterMS
	}
	m.lastRecv = now
	m.lastTS = pkt.Timestamp
}

func seqGreater(a, b uint16) bool {
	return a != b && a-b < 0x8000
}

// handleTelephoneEvent RFC 4733: доставляет цифру по фронту события
func (m *mediaSession) handleTelephoneEvent(payload []byte) {
	if len(payload) < 4 {
		return
	}
	digit := dtmfEventDigit(payload[0])
	if digit == 0 {
		return
	}
	m.mu.Lock()
	dup := digit == m.lastDigit && time.Since(m.lastDigitT) < 300*time.Millisecond
	if !dup {
		m.lastDigit = digit
		m.lastDigitT = time.Now()
	}
	cb := m.onDTMF
	m.mu.Unlock()
	if !dup && cb != nil {
		cb(digit)
	}
}

func dtmfEventDigit(event byte) byte {
	switch {
	case event <= 9:
		return '0' + event
	case event == 10:
		return '*'
	case event == 11:
		return '#'
	}
	return 0
}

// startPlayback стримит WAV файл (PCM16 8kHz mono) в вызов как G.711u
func (m *mediaSession) startPlayback(file string) error {
	samples, err := readWavPCM(file)
	if err != nil {
		return err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return fmt.Errorf("медиасессия закрыта")
	}
	if m.playStop != nil {
		close(m.playStop)
	}
	stop := make(chan struct{})
	m.playStop = stop
	m.playFile = file
	m.mu.Unlock()

	go m.playLoop(samples, stop)
	return nil
}

// playLoop шлет кадры по 20мс, файл проигрывается по кругу
func (m *mediaSession) playLoop(samples []int16, stop chan struct{}) {
	encoded := encodeUlaw(samples)
	if len(encoded) == 0 {
		return
	}

	seq := uint16(1)
	ts := uint32(0)
	ssrc := uint32(time.Now().UnixNano())
	pos := 0

	ticker := time.NewTicker(ptimeMS * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-m.done:
			return
		case <-ticker.C:
		}

		m.mu.Lock()
		remote := m.remote
		closed := m.closed
		m.mu.Unlock()
		if closed {
			return
		}
		if remote == nil {
			continue
		}

		frame := make([]byte, samplesPerFrame)
		for i := 0; i < samplesPerFrame; i++ {
			frame[i] = encoded[(pos+i)%len(encoded)]
		}
		pos = (pos + samplesPerFrame) % len(encoded)

		pkt := rtp.Packet{
			Header: rtp.Header{
				Version:        2,
				PayloadType:    payloadTypePCMU,
				SequenceNumber: seq,
				Timestamp:      ts,
				SSRC:           ssrc,
			},
			Payload: frame,
		}
		data, err := pkt.Marshal()
		if err != nil {
			continue
		}
		if _, err := m.conn.WriteToUDP(data, remote); err != nil {
			return
		}

		m.mu.Lock()
		m.txPackets++
		m.txBytes += uint32(len(data))
		m.mu.Unlock()

		seq++
		ts += samplesPerFrame
	}
}

// startRecording открывает WAV файл для принимаемого аудио
func (m *mediaSession) startRecording(file string) error {
	if dir := filepath.Dir(file); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("каталог записи: %w", err)
		}
	}
	w, err := newWavWriter(file)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.recorder != nil {
		_ = m.recorder.close()
	}
	m.recorder = w
	return nil
}

func (m *mediaSession) writeRecording(payload []byte) {
	m.mu.Lock()
	rec := m.recorder
	m.mu.Unlock()
	if rec == nil {
		return
	}
	rec.writeSamples(decodeUlaw(payload))
}

// stopStreams останавливает плеер и закрывает рекордер
func (m *mediaSession) stopStreams() {
	m.mu.Lock()
	if m.playStop != nil {
		close(m.playStop)
		m.playStop = nil
	}
	rec := m.recorder
	m.recorder = nil
	m.mu.Unlock()
	if rec != nil {
		_ = rec.close()
	}
}

// close закрывает сессию и возвращает финальные счётчики
func (m *mediaSession) close() engine.StreamStats {
	m.stopStreams()

	m.mu.Lock()
	if m.closed {
		stats := m.snapshotLocked()
		m.mu.Unlock()
		return stats
	}
	m.closed = true
	stats := m.snapshotLocked()
	m.mu.Unlock()

	close(m.done)
	_ = m.conn.Close()
	return stats
}

func (m *mediaSession) snapshotLocked() engine.StreamStats {
	jitterAvg := 0.0
	if m.rxPackets > 1 {
		jitterAvg = m.jitterSum / float64(m.rxPackets-1)
	}
	return engine.StreamStats{
		Tx: engine.StreamLegStat{
			Packets: m.txPackets,
			Bytes:   m.txBytes,
		},
		Rx: engine.StreamLegStat{
			JitterAvg: jitterAvg,
			JitterMax: m.jitterMax,
			Packets:   m.rxPackets,
			Bytes:     m.rxBytes,
			Loss:      m.rxLost,
		},
	}
}

func encodeUlaw(samples []int16) []byte {
	pcm := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(s))
	}
	return g711.EncodeUlaw(pcm)
}

func decodeUlaw(payload []byte) []int16 {
	pcm := g711.DecodeUlaw(payload)
	samples := make([]int16, len(pcm)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}
	return samples
}

// readWavPCM читает данные WAV файла PCM16 8kHz mono
func readWavPCM(file string) ([]int16, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("чтение WAV: %w", err)
	}
	if len(data) < 44 || string(data[:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return nil, fmt.Errorf("%s: не WAV файл", file)
	}

	// Ищем чанк data, пропуская остальные
	off := 12
	for off+8 <= len(data) {
		id := string(data[off : off+4])
		size := int(binary.LittleEndian.Uint32(data[off+4 : off+8]))
		if id == "data" {
			end := off + 8 + size
			if end > len(data) {
				end = len(data)
			}
			raw := data[off+8 : end]
			samples := make([]int16, len(raw)/2)
			for i := range samples {
				samples[i] = int16(binary.LittleEndian.Uint16(raw[i*2:]))
			}
			return samples, nil
		}
		off += 8 + size
		if size%2 == 1 {
			off++
		}
	}
	return nil, fmt.Errorf("%s: WAV без чанка data", file)
}

// wavWriter пишет PCM16 8kHz mono WAV, заголовок дописывается при закрытии
type wavWriter struct {
	mu   sync.Mutex
	f    *os.File
	size int
}

func newWavWriter(file string) (*wavWriter, error) {
	f, err := os.Create(file)
	if err != nil {
		return nil, fmt.Errorf("создание WAV: %w", err)
	}
	// Резерв под заголовок
	if _, err := f.Write(make([]byte, 44)); err != nil {
		_ = f.Close()
		return nil, err
	}
	return &wavWriter{f: f}, nil
}

func (w *wavWriter) writeSamples(samples []int16) {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		return
	}
	n, err := w.f.Write(buf)
	if err != nil {
		return
	}
	w.size += n
}

func (w *wavWriter) close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		return nil
	}
	header := make([]byte, 44)
	copy(header[0:4], "RIFF")
	binary.LittleEndian.PutUint32(header[4:8], uint32(36+w.size))
	copy(header[8:12], "WAVE")
	copy(header[12:16], "fmt ")
	binary.LittleEndian.PutUint32(header[16:20], 16)
	binary.LittleEndian.PutUint16(header[20:22], 1) // PCM
	binary.LittleEndian.PutUint16(header[22:24], 1) // mono
	binary.LittleEndian.PutUint32(header[24:28], sampleRate)
	binary.LittleEndian.PutUint32(header[28:32], sampleRate*2)
	binary.LittleEndian.PutUint16(header[32:34], 2)
	binary.LittleEndian.PutUint16(header[34:36], 16)
	copy(header[36:40], "data")
	binary.LittleEndian.PutUint32(header[40:44], uint32(w.size))

	if _, err := w.f.WriteAt(header, 0); err != nil {
		_ = w.f.Close()
		w.f = nil
		return err
	}
	err := w.f.Close()
	w.f = nil
	return err
}
