package storesrv

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/phuslu/log"
	"nuha.dev/presence/internal/store"
)

const DefaultChangeSubject = "presence.changes"

// NatsBridge republishes the store change feed on NATS for consumers that
// live outside the websocket feed (batch jobs, other services). Each change
// goes to <subject>.<user_id> so consumers can filter by subject; subscribe
// to <subject>.> for everything. Publishes are fire-and-forget: a lost
// message is healed by the consumer's own polling, exactly like a websocket
// feed gap.
type NatsBridge struct {
	nc      *nats.Conn
	st      store.PresenceStore
	subject string
	log     log.Logger
}

func NewNatsBridge(nc *nats.Conn, st store.PresenceStore, subject string) *NatsBridge {
	b := &NatsBridge{nc: nc, st: st, subject: subject}
	if b.subject == "" {
		b.subject = DefaultChangeSubject
	}
	b.log = log.DefaultLogger
	b.log.Context = log.NewContext(nil).Str("module", "natsbridge").Value()
	return b
}

func (b *NatsBridge) Run(ctx context.Context) {
	b.log.Info().Str("subject", b.subject).Msg("starting nats bridge")
	for {
		feed, err := b.st.Subscribe(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			b.log.Error().Err(err).Msg("store feed subscribe failed")
			time.Sleep(2 * time.Second)
			continue
		}
		for c := range feed.Changes() {
			data, err := json.Marshal(c)
			if err != nil {
				b.log.Error().Err(err).Msg("marshal change")
				continue
			}
			if err := b.nc.Publish(b.subject+"."+c.Record.UserID, data); err != nil {
				b.log.Error().Err(err).Str("user_id", c.Record.UserID).Msg("publish failed")
			}
		}
		if ctx.Err() != nil {
			return
		}
		b.log.Warn().Err(feed.Err()).Msg("store feed interrupted")
		time.Sleep(2 * time.Second)
	}
}
