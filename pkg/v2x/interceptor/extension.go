package interceptor

import (
	"github.com/pion/interceptor"
	"github.com/pion/rtp"

	"github.com/thesyncim/v2x/pkg/v2x"
)

// MsgCountURI identifies the one-byte RTP header extension that carries the
// broadcast's 7-bit MsgCount when V2X messages are relayed over RTP. The
// high bit of the byte is reserved and ignored.
const MsgCountURI = "urn:x-v2x:rtp-hdrext:msg-count"

// msgCountMask keeps the 7 counter bits.
const msgCountMask = 0x7F

// FindExtensionID searches for an extension with the given URI in the list
// of negotiated RTP header extensions and returns its ID.
//
// Returns 0 if the extension is not found. Extension ID 0 is invalid per
// RFC 8285, so callers treat 0 as "extension not available".
func FindExtensionID(exts []interceptor.RTPHeaderExtension, uri string) uint8 {
	for _, ext := range exts {
		if ext.URI == uri {
			return uint8(ext.ID)
		}
	}
	return 0
}

// FindMsgCountID returns the negotiated ID of the msg-count extension, or 0.
func FindMsgCountID(exts []interceptor.RTPHeaderExtension) uint8 {
	return FindExtensionID(exts, MsgCountURI)
}

// MsgCountFromHeader extracts the MsgCount of a relayed broadcast. When
// extID is non-zero and the packet carries the extension, its low 7 bits
// are used. Otherwise the RTP sequence number modulo 128 stands in for the
// counter, which holds when the relay emits exactly one packet per message.
func MsgCountFromHeader(header *rtp.Header, extID uint8) v2x.MsgCount {
	if extID != 0 {
		if data := header.GetExtension(extID); len(data) >= 1 {
			return v2x.MsgCount(data[0] & msgCountMask)
		}
	}
	return v2x.MsgCount(header.SequenceNumber & msgCountMask)
}

// SetMsgCount stores seq in the msg-count extension of header. Used by
// relays that forward broadcasts onto RTP.
func SetMsgCount(header *rtp.Header, extID uint8, seq v2x.MsgCount) error {
	return header.SetExtension(extID, []byte{byte(seq) & msgCountMask})
}
