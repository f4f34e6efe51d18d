package main

import (
	"golang.org/x/text/encoding/charmap"
)

// sanitizeStreamName turns the raw, untrusted VBAN stream-name bytes
// (spec §3: "stream_name (16 bytes, untrusted)") into a string that
// is always valid UTF-8, so it can never corrupt a log line or break
// the JSON encoder downstream. VBAN names are conventionally ASCII,
// but nothing on the wire guarantees that; decoding through
// ISO-8859-1 maps every byte value to a valid rune 1:1 instead of
// silently dropping or replacing bytes the way a naive UTF-8
// validation pass would.
func sanitizeStreamName(raw [16]byte) string {
	trimmed := rawNameBytes(raw)
	out, err := charmap.ISO8859_1.NewDecoder().Bytes(trimmed)
	if err != nil {
		return string(trimmed)
	}
	return string(out)
}
