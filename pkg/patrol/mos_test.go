package patrol

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// TestRFactorToMOS проверяет границы и монотонность отображения R-factor -> MOS
func TestRFactorToMOS(t *testing.T) {
	assert.Equal(t, 0.0, RFactorToMOS(0))
	assert.Equal(t, 0.0, RFactorToMOS(-10))
	assert.Equal(t, 4.5, RFactorToMOS(100))
	assert.Equal(t, 4.5, RFactorToMOS(150))
	assert.InDelta(t, 2.25, RFactorToMOS(50), 0.0001)

	// Монотонность на рабочем диапазоне
	prev := 0.0
	for r := 1.0; r <= 100; r++ {
		mos := RFactorToMOS(r)
		assert.GreaterOrEqual(t, mos, prev)
		prev = mos
	}
}

// TestLegMOS проверяет оценку направления потока по счётчикам потерь
func TestLegMOS(t *testing.T) {
	// Без пакетов и потерь поток считается идеальным
	assert.Equal(t, 4.5, LegMOS(0, 0, 0))

	// Без потерь Ppl=0, R=100
	assert.Equal(t, 4.5, LegMOS(1000, 0, 0))

	// Потери снижают оценку
	withLoss := LegMOS(900, 100, 0)
	assert.Less(t, withLoss, 4.5)
	assert.Greater(t, withLoss, 0.0)

	// Отбрасывания джиттер-буфера учитываются наравне с потерями
	withDiscard := LegMOS(900, 100, 50)
	assert.Less(t, withDiscard, withLoss)

	// Тотальные потери дают оценку заметно ниже порога приемлемого качества
	assert.Less(t, LegMOS(0, 1000, 0), 1.5)
}
