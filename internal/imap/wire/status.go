package wire

import "strings"

// StatusAttribute names one of the five values STATUS can report.
type StatusAttribute string

const (
	StatusMessages    StatusAttribute = "MESSAGES"
	StatusRecent      StatusAttribute = "RECENT"
	StatusUIDNext     StatusAttribute = "UIDNEXT"
	StatusUIDValidity StatusAttribute = "UIDVALIDITY"
	StatusUnseen      StatusAttribute = "UNSEEN"
)

// ParseStatusAttribute validates and canonicalizes one STATUS attribute
// name.
func ParseStatusAttribute(buf []byte) (StatusAttribute, []byte, error) {
	name, rest, err := Atom(buf)
	if err != nil {
		return "", buf, err
	}
	switch strings.ToUpper(name) {
	case string(StatusMessages):
		return StatusMessages, rest, nil
	case string(StatusRecent):
		return StatusRecent, rest, nil
	case string(StatusUIDNext):
		return StatusUIDNext, rest, nil
	case string(StatusUIDValidity):
		return StatusUIDValidity, rest, nil
	case string(StatusUnseen):
		return StatusUnseen, rest, nil
	default:
		return "", buf, ErrNotParseable
	}
}
