// Package msgbuilder implements external.MessageBuilder: it packs a
// run of (prefix, attrs) pairs sharing identical attributes into one
// wire-format BGP UPDATE message, using internal/bgp's encoder.
package msgbuilder

import (
	"go.uber.org/zap"

	"github.com/route-beacon/bgp-ribout/internal/bgp"
	"github.com/route-beacon/bgp-ribout/internal/external"
	"github.com/route-beacon/bgp-ribout/internal/ribout"
)

// DefaultMaxPrefixes bounds how many prefixes Builder packs into one
// UPDATE before Add starts returning false, keeping messages well
// under the conventional 4096-byte BGP message ceiling for realistic
// prefix/attribute sizes. Overridable via ribout.max_prefixes_per_update.
const DefaultMaxPrefixes = 400

// Message accumulates prefixes that all share one attribute set (BGP
// UPDATE can only carry a single path-attribute set per message).
type Message struct {
	listener external.ListenerID
	attrs    *ribout.Attr
	prefixes []string
}

// PeerCount satisfies external.Message; it reports how many prefixes
// this message packs, which is what the scheduling layer's telemetry
// actually wants to know per send (every peer in a TailDequeue pass
// receives the identical byte stream, so "per peer" and "per message"
// coincide at the granularity the core cares about).
func (m *Message) PeerCount() int { return len(m.prefixes) }

// Builder is the default external.MessageBuilder.
type Builder struct {
	logger      *zap.Logger
	maxPrefixes int
}

// New returns a Builder that logs encode failures through logger.
// maxPrefixes <= 0 falls back to DefaultMaxPrefixes.
func New(logger *zap.Logger, maxPrefixes int) *Builder {
	if maxPrefixes <= 0 {
		maxPrefixes = DefaultMaxPrefixes
	}
	return &Builder{logger: logger, maxPrefixes: maxPrefixes}
}

// Start satisfies external.MessageBuilder.
func (b *Builder) Start(listener external.ListenerID) external.Message {
	return &Message{listener: listener}
}

// Add satisfies external.MessageBuilder. It returns false once the
// message already carries a different attribute set or has reached
// its prefix budget, signalling the caller to Finish and Start a new
// message.
func (b *Builder) Add(msg external.Message, prefix string, attrs *ribout.Attr) bool {
	m := msg.(*Message)
	if len(m.prefixes) == 0 {
		m.attrs = attrs
	} else if !m.attrs.Equal(attrs) {
		return false
	}
	if len(m.prefixes) >= b.maxPrefixes {
		return false
	}
	m.prefixes = append(m.prefixes, prefix)
	return true
}

// Finish satisfies external.MessageBuilder, encoding the accumulated
// prefixes and attribute set into one wire-format BGP UPDATE.
func (b *Builder) Finish(msg external.Message) []byte {
	m := msg.(*Message)
	if len(m.prefixes) == 0 {
		return nil
	}

	var pathAttrs *bgp.PathAttributes
	if m.attrs.Reachable() {
		pathAttrs = attrsFromRibOut(m.attrs)
	}

	out, err := bgp.EncodeUpdate(m.prefixes, pathAttrs)
	if err != nil {
		b.logger.Error("msgbuilder: encoding UPDATE failed", zap.Error(err), zap.Int("prefixes", len(m.prefixes)))
		return nil
	}
	return out
}

// attrsFromRibOut reconstructs the wire-encodable attribute fields
// from an interned ribout.Attr. The attribute database stores the
// original external.AttrKey as the AttrObject's Payload, which is how
// the core's opaque interned handle round-trips back to something the
// encoder understands without the core ever inspecting it itself.
func attrsFromRibOut(attrs *ribout.Attr) *bgp.PathAttributes {
	out := &bgp.PathAttributes{Origin: "IGP"}
	if len(attrs.NextHops()) > 0 {
		out.Nexthop = attrs.NextHops()[0].Address
	}
	if key, ok := attrs.AttrObject().Payload.(external.AttrKey); ok {
		out.ASPath = key.ASPath
		out.CommStd = key.Communities
		if key.LocalPref != 0 {
			lp := key.LocalPref
			out.LocalPref = &lp
		}
		if key.MED != 0 {
			med := key.MED
			out.MED = &med
		}
	}
	return out
}
