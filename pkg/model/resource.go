package model

import "fmt"

// Memory is worker capacity in megabytes. Fractional script costs (1.75GB)
// are carried as whole megabytes (1750) so the ledger never sees floats.
type Memory int64

func (m Memory) String() string {
	return fmt.Sprintf("%.2fGB", float64(m)/1000)
}

// GB converts gigabytes to Memory, rounding to the nearest megabyte.
func GB(gb float64) Memory {
	if gb < 0 {
		return Memory(gb*1000 - 0.5)
	}
	return Memory(gb*1000 + 0.5)
}
