package memdconn

import (
	"fmt"
	"strings"

	"github.com/couchbase/gocbcore/v10/memd"
)

func bytesToHexAsciiString(bytes []byte) string {
	var out strings.Builder
	var ascii [16]byte
	n := (len(bytes) + 15) &^ 15
	for i := 0; i < n; i++ {
		if i%16 == 0 {
			fmt.Fprintf(&out, "%4d", i)
		}
		if i%8 == 0 {
			out.WriteString(" ")
		}

		if i < len(bytes) {
			fmt.Fprintf(&out, " %02X", bytes[i])
		} else {
			out.WriteString("   ")
		}

		switch {
		case i >= len(bytes):
			ascii[i%16] = ' '
		case bytes[i] < 32 || bytes[i] > 126:
			ascii[i%16] = '.'
		default:
			ascii[i%16] = bytes[i]
		}

		if i%16 == 15 {
			fmt.Fprintf(&out, "  %s\n", string(ascii[:]))
		}
	}
	return out.String()
}

type memdPacketStringer struct {
	Packet *memd.Packet
}

func (p memdPacketStringer) String() string {
	pak := p.Packet
	return fmt.Sprintf(
		"memd.Packet{Magic:%x, Command:%x(%s), Datatype:%x, Status:%x(%s), Opaque:%08x\nKey:\n%sValue:\n%s}",
		pak.Magic,
		pak.Command,
		pak.Command.Name(),
		pak.Datatype,
		pak.Status,
		pak.Status.String(),
		pak.Opaque,
		bytesToHexAsciiString(pak.Key),
		bytesToHexAsciiString(pak.Value))
}
