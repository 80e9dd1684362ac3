package patrol

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
)

// resultRecord одна финализированная строка результата.
//
// Сериализуется в JSON-строку файла результатов под ключом порядкового
// номера: {"3": {...}}. Экранирование строковых полей — на encoding/json,
// запись остаётся разбираемой любым JSON-lines потребителем.
type resultRecord struct {
	Label             string          `json:"label"`
	Start             string          `json:"start"`
	End               string          `json:"end"`
	Action            string          `json:"action"`
	From              string          `json:"from"`
	To                string          `json:"to"`
	Result            string          `json:"result"`
	ExpectedCauseCode int             `json:"expected_cause_code"`
	CauseCode         int             `json:"cause_code"`
	Reason            string          `json:"reason"`
	CallID            string          `json:"callid"`
	Transport         string          `json:"transport"`
	PeerSocket        string          `json:"peer_socket"`
	Duration          int             `json:"duration"`
	ExpectedDuration  int             `json:"expected_duration"`
	MaxDuration       int             `json:"max_duration"`
	HangupDuration    int             `json:"hangup_duration"`
	DTMFRecv          string          `json:"dtmf_recv,omitempty"`
	RTPStats          *RTPStatsReport `json:"rtp_stats,omitempty"`
}

// reportRow материал для строки HTML отчёта
type reportRow struct {
	record       resultRecord
	success      bool
	engineCallID int
}

// ResultFile append-only файл результатов, по одной JSON записи на строку
type ResultFile struct {
	mu   sync.Mutex
	name string
	file *os.File
}

// NewResultFile открывает (создаёт) файл результатов на дозапись
func NewResultFile(name string) (*ResultFile, error) {
	f, err := os.OpenFile(name, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, NewEngineError("RESULT_FILE_OPEN", "не удалось открыть файл результатов", err).WithField("file", name)
	}
	return &ResultFile{name: name, file: f}, nil
}

// Write дописывает одну строку и сбрасывает буферы на диск
func (r *ResultFile) Write(line string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, err := r.file.WriteString(line + "\n"); err != nil {
		return err
	}
	return r.file.Sync()
}

// Close закрывает файл результатов
func (r *ResultFile) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.file.Close()
}

// marshalResult сериализует запись под ключом порядкового номера
func marshalResult(seq int, rec resultRecord) (string, error) {
	data, err := json.Marshal(map[string]resultRecord{strconv.Itoa(seq): rec})
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Стили ячеек HTML отчёта, один в один с исторической таблицей
const (
	tdStyle      = "style='border-color:#98B4E5;border-style:solid;padding:3px;border-width:1px;'"
	tdHdStyle    = "style='border-color:#98B4E5;background-color: #EEF2F5;border-style:solid;padding:3px;border-width:1px;'"
	tdSmallStyle = "style='padding:1px;width:50%;border-style:solid;border-spacing:0px;border-width:1px;border-color:#98B4E5;text-align:center;font-size:8pt'"
)

// reportHeaderRow строка заголовков таблицы, пишется один раз
func reportHeaderRow() string {
	return "<tr>" +
		"<td " + tdHdStyle + ">label</td>" +
		"<td " + tdHdStyle + ">start/end</td>" +
		"<td " + tdHdStyle + ">type</td><td " + tdHdStyle + ">result</td>" +
		"<td " + tdHdStyle + ">cause code</td><td " + tdHdStyle + ">reason</td>" +
		"<td " + tdHdStyle + ">duration</td>" +
		"<td " + tdHdStyle + ">from</td><td " + tdHdStyle + ">to</td>\r\n"
}

// ReportHTML оборачивает накопленные строки в полный HTML документ отчёта
func ReportHTML(rows []string) string {
	var b strings.Builder
	b.WriteString("<html><body><table style='border-collapse:collapse;font-size:10pt;font-family:sans-serif;'>\r\n")
	for _, row := range rows {
		b.WriteString(row)
	}
	b.WriteString("</table></body></html>\r\n")
	return b.String()
}

// formatReportRow собирает строку таблицы для одного теста
func formatReportRow(row reportRow) string {
	rec := row.record

	codeColor := "green"
	if rec.ExpectedCauseCode != rec.CauseCode {
		codeColor = "red"
	}
	res := rec.Result
	if !row.success {
		res = "<font color='red'>" + res + "</font>"
	}

	durationTable := "<table><tr><td>expected</td><td>max</td><td>hangup</td><td>connect</td></tr><tr>" +
		"<td " + tdSmallStyle + ">" + strconv.Itoa(rec.ExpectedDuration) + "</td>" +
		"<td " + tdSmallStyle + ">" + strconv.Itoa(rec.MaxDuration) + "</td>" +
		"<td " + tdSmallStyle + ">" + strconv.Itoa(rec.HangupDuration) + "</td>" +
		"<td " + tdSmallStyle + ">" + strconv.Itoa(rec.Duration) + "</td></tr></table>"

	typeCell := fmt.Sprintf("%s[%d]transport[%s]<br>peer socket[%s]<br>%s",
		rec.Action, row.engineCallID, rec.Transport, rec.PeerSocket, rec.CallID)

	return "<tr>" +
		"<td " + tdStyle + ">" + rec.Label + "</td>" +
		"<td " + tdStyle + ">" + rec.Start + "<br>" + rec.End + "</td><td " + tdStyle + ">" + typeCell + "</td>" +
		"<td " + tdStyle + ">" + res + "</td>" +
		"<td " + tdStyle + ">" + strconv.Itoa(rec.ExpectedCauseCode) + "|<font color=" + codeColor + ">" + strconv.Itoa(rec.CauseCode) + "</font></td>" +
		"<td " + tdStyle + ">" + rec.Reason + "</td>" +
		"<td " + tdStyle + ">" + durationTable + "</td>" +
		"<td " + tdStyle + ">" + rec.From + "</td>" +
		"<td " + tdStyle + ">" + rec.To + "</td>" +
		"</tr>\r\n"
}
