// Package model holds the data types shared by the sync-state store, the
// journal codec, the driver contract and the sync engine: the Side tag,
// Message, SyncRecord and their bitset fields.
package model

// Side identifies which half of a channel a value belongs to.
type Side int

const (
	Master Side = iota
	Slave
)

// Other returns the opposite side.
func (s Side) Other() Side {
	if s == Master {
		return Slave
	}
	return Master
}

func (s Side) String() string {
	if s == Master {
		return "master"
	}
	return "slave"
}

// Sides is a convenience range for "for _, s := range model.Sides".
var Sides = [2]Side{Master, Slave}
