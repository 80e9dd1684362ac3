// Package scenario загружает XML сценарии тестовых прогонов.
//
// Формат документа:
//
//	<config>
//	  <actions>
//	    <action type="register" username="alice" .../>
//	    <action type="call" caller="alice@a" callee="bob@b">
//	      <x-header name="X-Foo" value="bar"/>
//	    </action>
//	  </actions>
//	</config>
//
// Неизвестные атрибуты сохраняются как есть: их валидирует схема действия.
// Значения с маркером VP_ENV_ подменяются переменными окружения.
package scenario

import (
	"encoding/xml"
	"fmt"
	"os"

	"github.com/arzzra/voip_patrol/pkg/engine"
	"github.com/arzzra/voip_patrol/pkg/patrol"
)

type xmlDocument struct {
	XMLName xml.Name   `xml:"config"`
	Actions xmlActions `xml:"actions"`
}

type xmlActions struct {
	Actions []xmlAction `xml:"action"`
}

type xmlAction struct {
	Attrs    []xml.Attr   `xml:",any,attr"`
	XHeaders []xmlXHeader `xml:"x-header"`
}

type xmlXHeader struct {
	Name  string `xml:"name,attr"`
	Value string `xml:"value,attr"`
}

// Load читает и разбирает файл сценария
func Load(path string) ([]patrol.ScenarioStep, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("чтение сценария: %w", err)
	}
	steps, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("сценарий %s: %w", path, err)
	}
	return steps, nil
}

// Parse разбирает XML документ сценария в последовательность шагов
func Parse(data []byte) ([]patrol.ScenarioStep, error) {
	var doc xmlDocument
	if err := xml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("разбор XML: %w", err)
	}

	steps := make([]patrol.ScenarioStep, 0, len(doc.Actions.Actions))
	for i, a := range doc.Actions.Actions {
		step := patrol.ScenarioStep{
			Attrs: make(map[string]string, len(a.Attrs)),
		}
		for _, attr := range a.Attrs {
			if attr.Name.Local == "type" {
				step.Type = attr.Value
				continue
			}
			step.Attrs[attr.Name.Local] = attr.Value
		}
		if step.Type == "" {
			return nil, fmt.Errorf("действие #%d без атрибута type", i+1)
		}
		for _, xh := range a.XHeaders {
			if xh.Name == "" {
				return nil, fmt.Errorf("действие #%d: x-header без имени", i+1)
			}
			step.XHeaders = append(step.XHeaders, engine.Header{
				Name:  xh.Name,
				Value: patrol.ResolveEnv(xh.Value),
			})
		}
		steps = append(steps, step)
	}
	return steps, nil
}
