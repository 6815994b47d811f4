// Package certs validates the certificates used to sign and encrypt
// exchanged messages.
package certs

import (
	"math/bits"
	"strings"
)

// ErrorFlags is a bitset of certificate problems. A zero value means the
// certificate passed every check.
type ErrorFlags uint8

// None means no problem was found.
const None ErrorFlags = 0

const (
	StartDate ErrorFlags = 1 << iota
	EndDate
	Usage
	Revoked
	RevokedUnknown
	Missing
)

var flagNames = []struct {
	flag ErrorFlags
	name string
}{
	{StartDate, "StartDate"},
	{EndDate, "EndDate"},
	{Usage, "Usage"},
	{Revoked, "Revoked"},
	{RevokedUnknown, "RevokedUnknown"},
	{Missing, "Missing"},
}

// Has reports whether every bit of flag is set.
func (f ErrorFlags) Has(flag ErrorFlags) bool {
	return flag != None && f&flag == flag
}

// Multiple reports whether more than one problem is flagged.
func (f ErrorFlags) Multiple() bool {
	return bits.OnesCount8(uint8(f)) > 1
}

func (f ErrorFlags) String() string {
	if f == None {
		return "None"
	}
	var names []string
	for _, n := range flagNames {
		if f&n.flag != 0 {
			names = append(names, n.name)
		}
	}
	return strings.Join(names, "|")
}
