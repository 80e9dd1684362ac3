package patrol

import (
	"os"
	"strconv"
	"strings"
)

// ParamKind тип значения параметра действия
type ParamKind int

const (
	// KindBool булев параметр, присутствие атрибута означает true
	KindBool ParamKind = iota
	// KindInteger целочисленный параметр
	KindInteger
	// KindFloat параметр с плавающей точкой
	KindFloat
	// KindString строковый параметр
	KindString
)

// EnvPrefix маркер косвенного значения: строковый параметр вида
// VP_ENV_NAME подменяется значением переменной окружения VP_ENV_NAME
const EnvPrefix = "VP_ENV_"

// ActionParam один параметр действия: имя, тип и связанное значение
type ActionParam struct {
	Name     string
	Kind     ParamKind
	Required bool
	Set      bool

	BoolVal  bool
	IntVal   int
	FloatVal float64
	StrVal   string
}

func param(name string, kind ParamKind) ActionParam {
	return ActionParam{Name: name, Kind: kind}
}

func requiredParam(name string, kind ParamKind) ActionParam {
	return ActionParam{Name: name, Kind: kind, Required: true}
}

// ActionParams схема параметров действия по его имени; nil для
// неизвестного действия. Возвращается свежая копия: привязка значений
// не мутирует схему.
func ActionParams(action string) []ActionParam {
	var schema []ActionParam
	switch action {
	case "call":
		schema = []ActionParam{
			requiredParam("caller", KindString),
			requiredParam("callee", KindString),
			param("label", KindString),
			param("username", KindString),
			param("password", KindString),
			param("realm", KindString),
			param("transport", KindString),
			param("expected_cause_code", KindInteger),
			param("wait_until", KindString),
			param("max_duration", KindInteger),
			param("max_calling_duration", KindInteger),
			param("duration", KindInteger),
			param("min_mos", KindFloat),
			param("rtp_stats", KindBool),
			param("hangup", KindInteger),
			param("play", KindString),
			param("play_dtmf", KindString),
			param("recording", KindBool),
			param("repeat", KindInteger),
			param("sps", KindFloat),
		}
	case "register":
		schema = []ActionParam{
			requiredParam("username", KindString),
			requiredParam("password", KindString),
			requiredParam("realm", KindString),
			requiredParam("registrar", KindString),
			param("label", KindString),
			param("transport", KindString),
			param("proxy", KindString),
			param("account", KindString),
			param("expected_cause_code", KindInteger),
		}
	case "accept":
		schema = []ActionParam{
			requiredParam("account", KindString),
			param("label", KindString),
			param("transport", KindString),
			param("max_duration", KindInteger),
			param("ring_duration", KindInteger),
			param("wait_until", KindString),
			param("hangup", KindInteger),
			param("min_mos", KindFloat),
			param("rtp_stats", KindBool),
			param("play", KindString),
			param("play_dtmf", KindString),
			param("code", KindInteger),
			param("reason", KindString),
			param("expected_cause_code", KindInteger),
		}
	case "wait":
		schema = []ActionParam{
			param("ms", KindInteger),
			param("complete", KindBool),
		}
	case "alert":
		schema = []ActionParam{
			requiredParam("email", KindString),
			requiredParam("email_from", KindString),
			requiredParam("smtp_host", KindString),
		}
	default:
		return nil
	}
	out := make([]ActionParam, len(schema))
	copy(out, schema)
	return out
}

// ResolveEnv подменяет значение с маркером VP_ENV_ содержимым
// одноимённой переменной окружения; остальные значения проходят как есть
func ResolveEnv(value string) string {
	if strings.HasPrefix(value, EnvPrefix) {
		return os.Getenv(value)
	}
	return value
}

// bind коэрцирует сырое значение атрибута в типизированное. Нечисловые
// значения числовых параметров дают нулевое значение, не ошибку.
func (p *ActionParam) bind(raw string) {
	p.Set = true
	switch p.Kind {
	case KindBool:
		p.BoolVal = true
	case KindInteger:
		p.IntVal, _ = strconv.Atoi(raw)
	case KindFloat:
		p.FloatVal, _ = strconv.ParseFloat(raw, 64)
	case KindString:
		p.StrVal = ResolveEnv(raw)
	}
}

// BindParams привязывает атрибуты вызова к схеме. Атрибуты, которых
// схема не знает, молча игнорируются.
func BindParams(params []ActionParam, attrs map[string]string) {
	for i := range params {
		raw, ok := attrs[params[i].Name]
		if !ok {
			continue
		}
		params[i].bind(raw)
	}
}

// missingRequired имя первого обязательного параметра без значения,
// пустая строка если все заданы. Обязательный строковый параметр с
// пустым значением (в том числе после VP_ENV_ подмены незаданной
// переменной) считается незаданным.
func missingRequired(params []ActionParam) string {
	for i := range params {
		if !params[i].Required {
			continue
		}
		if !params[i].Set {
			return params[i].Name
		}
		if params[i].Kind == KindString && params[i].StrVal == "" {
			return params[i].Name
		}
	}
	return ""
}

func paramString(params []ActionParam, name string) string {
	for i := range params {
		if params[i].Name == name {
			return params[i].StrVal
		}
	}
	return ""
}

func paramInt(params []ActionParam, name string) int {
	for i := range params {
		if params[i].Name == name {
			return params[i].IntVal
		}
	}
	return 0
}

func paramFloat(params []ActionParam, name string) float64 {
	for i := range params {
		if params[i].Name == name {
			return params[i].FloatVal
		}
	}
	return 0
}

func paramBool(params []ActionParam, name string) bool {
	for i := range params {
		if params[i].Name == name {
			return params[i].BoolVal
		}
	}
	return false
}

func paramSet(params []ActionParam, name string) bool {
	for i := range params {
		if params[i].Name == name {
			return params[i].Set
		}
	}
	return false
}
