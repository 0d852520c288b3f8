// Package sequence sigue el último block_seq aceptado por dispositivo y
// decide cómo tratar cada secuencia nueva.
package sequence

import "fmt"

type Kind int

const (
	FirstSeen Kind = iota
	Normal
	Gap
	Duplicate
	Reset
)

var kindNames = [...]string{"first_seen", "normal", "gap", "duplicate", "reset"}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Observation es el resultado de clasificar una secuencia.
// Para Gap, Missing es la cantidad de bloques perdidos y From..To el rango.
type Observation struct {
	Kind    Kind
	Seq     uint32
	Last    uint32
	HasLast bool
	Missing uint64
	From    uint32
	To      uint32
}

// Tracker guarda la última secuencia aceptada. El valor cero está listo para usar.
type Tracker struct {
	last  uint32
	valid bool
}

// Classify no modifica el estado; el llamador confirma con Commit una vez
// que el bloque quedó escrito.
func (t *Tracker) Classify(seq uint32) Observation {
	obs := Observation{Seq: seq, Last: t.last, HasLast: t.valid}
	if !t.valid {
		obs.Kind = FirstSeen
		return obs
	}

	next := uint64(t.last) + 1
	s := uint64(seq)
	switch {
	case s == next:
		obs.Kind = Normal
	case s > next:
		obs.Kind = Gap
		obs.Missing = s - next
		obs.From = uint32(next)
		obs.To = seq - 1
	case seq < t.last:
		obs.Kind = Reset
	default:
		obs.Kind = Duplicate
	}
	return obs
}

// Commit registra seq como última secuencia aceptada. Tras un Reset el
// paquete actual se trata como primero visto, así que también queda como last.
func (t *Tracker) Commit(seq uint32) {
	t.last = seq
	t.valid = true
}

func (t *Tracker) Clear() {
	t.last = 0
	t.valid = false
}

func (t *Tracker) Last() (uint32, bool) {
	return t.last, t.valid
}
