package codec

// Layout del datagrama IMU2. La cabecera va en little-endian (ESP32) y las
// muestras del payload en big-endian.
const (
	Magic          = "IMU2"
	Version        = 1
	HeaderSize     = 20 // magic(4) ver(1) dev(1) rsv(2) seq(4) ms(4) len(4)
	SampleSize     = 12 // 6 x int16
	FooterSize     = 4
	MaxDatagramLen = 4096

	offMagic    = 0
	offVersion  = 4
	offDeviceID = 5
	offReserved = 6
	offSeq      = 8
	offTimeMs   = 12
	offLen      = 16
)

// Escalas usadas por el graficador (MPU6050: ±8g, ±500°/s).
const (
	AccelScale = 1.0 / 4096.0
	GyroScale  = 1.0 / 65.5
)

type Header struct {
	Magic       [4]byte `json:"magic"`
	Version     uint8   `json:"version"`
	DeviceID    uint8   `json:"device_id"`
	Reserved    uint16  `json:"-"`
	Seq         uint32  `json:"seq"`
	TimestampMs uint32  `json:"timestamp_ms"`
	PayloadLen  uint32  `json:"payload_len"`
}

// Sample es una lectura cruda del IMU (acelerómetro + giroscopio).
type Sample struct {
	Ax int16 `json:"ax"`
	Ay int16 `json:"ay"`
	Az int16 `json:"az"`
	Gx int16 `json:"gx"`
	Gy int16 `json:"gy"`
	Gz int16 `json:"gz"`
}

// Scaled devuelve la muestra en g y °/s.
func (s Sample) Scaled() [6]float64 {
	return [6]float64{
		float64(s.Ax) * AccelScale, float64(s.Ay) * AccelScale, float64(s.Az) * AccelScale,
		float64(s.Gx) * GyroScale, float64(s.Gy) * GyroScale, float64(s.Gz) * GyroScale,
	}
}

type Packet struct {
	Header  Header   `json:"header"`
	Samples []Sample `json:"samples"`
}

// Block es lo que se persiste: exactamente K filas bajo un mismo block_seq.
type Block struct {
	Seq       uint32
	Samples   []Sample
	Synthetic bool
}

// Block normaliza las muestras del paquete a exactamente k filas:
// rellena con ceros si faltan y descarta las que sobran.
func (p Packet) Block(k int) Block {
	out := make([]Sample, k)
	copy(out, p.Samples)
	return Block{Seq: p.Header.Seq, Samples: out}
}

// ZeroBlock arma el bloque sintético para una secuencia perdida.
func ZeroBlock(seq uint32, k int) Block {
	return Block{Seq: seq, Samples: make([]Sample, k), Synthetic: true}
}
