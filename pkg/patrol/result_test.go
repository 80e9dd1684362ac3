package patrol

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestMarshalResult запись сериализуется под ключом порядкового номера
func TestMarshalResult(t *testing.T) {
	rec := resultRecord{
		Label:             "smoke",
		Action:            "call",
		From:              "alice",
		To:                "bob",
		Result:            "PASS",
		ExpectedCauseCode: 200,
		CauseCode:         200,
		Reason:            "OK",
		Duration:          5,
	}
	line, err := marshalResult(3, rec)
	require.NoError(t, err)

	var decoded map[string]resultRecord
	require.NoError(t, json.Unmarshal([]byte(line), &decoded))
	require.Contains(t, decoded, "3")
	assert.Equal(t, "smoke", decoded["3"].Label)
	assert.Equal(t, 200, decoded["3"].CauseCode)
}

// TestMarshalResultEscaping кавычки и спецсимволы в полях не ломают JSON
func TestMarshalResultEscaping(t *testing.T) {
	rec := resultRecord{
		Label:  `label "quoted" \and\ slashed`,
		Reason: "Busy\nHere",
		CallID: "abc\"def@host",
	}
	line, err := marshalResult(1, rec)
	require.NoError(t, err)

	// Строка обязана остаться разбираемой и однострочной
	assert.False(t, strings.Contains(line, "\n"))
	var decoded map[string]resultRecord
	require.NoError(t, json.Unmarshal([]byte(line), &decoded))
	assert.Equal(t, rec.Label, decoded["1"].Label)
	assert.Equal(t, rec.Reason, decoded["1"].Reason)
	assert.Equal(t, rec.CallID, decoded["1"].CallID)
}

// TestMarshalResultOmitsEmptyOptionals пустые dtmf_recv и rtp_stats не пишутся
func TestMarshalResultOmitsEmptyOptionals(t *testing.T) {
	line, err := marshalResult(1, resultRecord{Result: "PASS"})
	require.NoError(t, err)
	assert.NotContains(t, line, "dtmf_recv")
	assert.NotContains(t, line, "rtp_stats")

	withStats := resultRecord{
		Result:   "PASS",
		DTMFRecv: "123",
		RTPStats: &RTPStatsReport{RTT: 12.5},
	}
	line, err = marshalResult(2, withStats)
	require.NoError(t, err)
	assert.Contains(t, line, "dtmf_recv")
	assert.Contains(t, line, "rtp_stats")
	assert.Contains(t, line, "mos_lq")
}

// TestFormatReportRow проверяет сборку строки HTML отчёта
func TestFormatReportRow(t *testing.T) {
	row := reportRow{
		record: resultRecord{
			Label:             "reg-test",
			Action:            "register",
			Result:            "FAIL",
			ExpectedCauseCode: 200,
			CauseCode:         407,
			Reason:            "Proxy Authentication Required",
			Transport:         "UDP",
		},
		success:      false,
		engineCallID: 4,
	}
	html := formatReportRow(row)

	// Провал подсвечивается красным и по результату, и по коду
	assert.Contains(t, html, "<font color='red'>FAIL</font>")
	assert.Contains(t, html, "<font color=red>407</font>")
	assert.Contains(t, html, "register[4]transport[UDP]")

	passRow := row
	passRow.success = true
	passRow.record.Result = "PASS"
	passRow.record.CauseCode = 200
	html = formatReportRow(passRow)
	assert.NotContains(t, html, "color='red'")
	assert.Contains(t, html, "<font color=green>200</font>")
}

// TestReportHTML отчёт оборачивается в полный документ
func TestReportHTML(t *testing.T) {
	html := ReportHTML([]string{reportHeaderRow(), "<tr><td>x</td></tr>\r\n"})
	assert.True(t, strings.HasPrefix(html, "<html><body><table"))
	assert.True(t, strings.HasSuffix(html, "</table></body></html>\r\n"))
	assert.Contains(t, html, "cause code")
}
