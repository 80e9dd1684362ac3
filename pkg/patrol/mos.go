package patrol

// Оценка качества по E-model (ITU-T G.107): из счётчиков потерь RTCP
// вычисляется R-factor, из него — MOS.

const (
	// Bpl устойчивость кодека к потерям, значение для G.711 без PLC
	mosBpl = 25.0
	// Ie базовый equipment impairment factor
	mosIe = 0.0
	// BurstR отношение пакетных потерь к случайным, 1.0 — случайные потери
	mosBurstR = 1.0
)

// RFactorToMOS переводит R-factor в MOS.
//
// Отображение монотонно и ограничено: R <= 0 -> 0.0, R > 100 -> 4.5,
// иначе линейно R*4.5/100.
func RFactorToMOS(rfactor float64) float64 {
	switch {
	case rfactor <= 0:
		return 0.0
	case rfactor > 100:
		return 4.5
	default:
		return rfactor * 4.5 / 100
	}
}

// LegMOS оценивает MOS одного направления потока по его счётчикам
// потерь/отбрасываний: Ppl -> Ie_eff -> R -> MOS.
func LegMOS(packets, loss, discard uint32) float64 {
	total := packets + loss
	if total == 0 {
		// Потока не было: считаем качество идеальным, R=100
		return RFactorToMOS(100)
	}
	ppl := float64(loss+discard) * 100.0 / float64(total)
	ieEff := mosIe + (95-mosIe)*ppl/(ppl/mosBurstR+mosBpl)
	rfactor := 100 - ieEff
	return RFactorToMOS(rfactor)
}
