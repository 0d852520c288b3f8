package sequence

import "imu-svr/internal/codec"

// FillGap emite un bloque de ceros por cada secuencia perdida de obs, en
// orden ascendente. Se detiene en el primer error de write.
func FillGap(obs Observation, k int, write func(codec.Block) error) (int, error) {
	if obs.Kind != Gap {
		return 0, nil
	}
	n := 0
	for s := uint64(obs.From); s <= uint64(obs.To); s++ {
		if err := write(codec.ZeroBlock(uint32(s), k)); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}
