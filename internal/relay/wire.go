package relay

import (
	"google.golang.org/protobuf/encoding/protowire"

	"notifyfwd/internal/forward"
)

// Field numbers of the relay's discord_api.proto messages.
const (
	reqUserID  protowire.Number = 1
	reqContent protowire.Number = 2
	reqEmbed   protowire.Number = 3

	embedTitle       protowire.Number = 1
	embedDescription protowire.Number = 3
	embedURL         protowire.Number = 4
	embedTimestamp   protowire.Number = 5
	embedColor       protowire.Number = 6
	embedFooter      protowire.Number = 7
	embedAuthor      protowire.Number = 12

	footerText protowire.Number = 1

	authorName    protowire.Number = 1
	authorIconURL protowire.Number = 3
)

// EncodeRequest encodes a SendDirectMessageRequest carrying msg as an embed.
// Zero values are omitted as proto3 does.
func EncodeRequest(userID int64, msg forward.OutboundMessage) []byte {
	var b []byte
	if userID != 0 {
		b = protowire.AppendTag(b, reqUserID, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(userID))
	}
	return appendMessage(b, reqEmbed, encodeEmbed(msg))
}

func encodeEmbed(msg forward.OutboundMessage) []byte {
	var b []byte
	b = appendString(b, embedTitle, msg.Title)
	b = appendString(b, embedDescription, msg.Body)
	b = appendString(b, embedURL, msg.URL)
	b = appendString(b, embedTimestamp, msg.Timestamp)
	if msg.Color != nil {
		b = protowire.AppendTag(b, embedColor, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(int64(*msg.Color)))
	}
	b = appendMessage(b, embedFooter, appendString(nil, footerText, msg.Footer))

	var author []byte
	author = appendString(author, authorName, msg.Author.Name)
	author = appendString(author, authorIconURL, msg.Author.IconURL)
	return appendMessage(b, embedAuthor, author)
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendMessage(b []byte, num protowire.Number, m []byte) []byte {
	if len(m) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, m)
}
