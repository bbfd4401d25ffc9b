// poolstr is a small command line client: generate keys, publish
// notes, fetch stored events and stream live ones from a set of
// relays.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alexflint/go-arg"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/poolstr/poolstr/pkg/client"
	"github.com/poolstr/poolstr/pkg/event"
	"github.com/poolstr/poolstr/pkg/filter"
	"github.com/poolstr/poolstr/pkg/keys"
	"github.com/poolstr/poolstr/pkg/kind"
	"github.com/poolstr/poolstr/pkg/pool"
)

type publishCmd struct {
	Content string `arg:"positional,required" help:"note text to publish"`
}

type fetchCmd struct {
	Authors []string      `arg:"-a,--author,separate" help:"author public key (hex), repeatable"`
	Kinds   []int         `arg:"-k,--kind,separate" help:"event kind, repeatable"`
	Limit   int           `arg:"--limit" default:"20"`
	Timeout time.Duration `arg:"--timeout" default:"10s"`
}

type streamCmd struct {
	Authors []string `arg:"-a,--author,separate" help:"author public key (hex), repeatable"`
	Kinds   []int    `arg:"-k,--kind,separate" help:"event kind, repeatable"`
}

type keygenCmd struct{}

var args struct {
	Publish *publishCmd `arg:"subcommand:publish" help:"sign and publish a text note"`
	Fetch   *fetchCmd   `arg:"subcommand:fetch" help:"one-shot query of stored events"`
	Stream  *streamCmd  `arg:"subcommand:stream" help:"follow live events"`
	Keygen  *keygenCmd  `arg:"subcommand:keygen" help:"generate a fresh key pair"`

	Relays []string `arg:"-r,--relay,separate" help:"relay URL, repeatable"`
	Secret string   `arg:"-s,--sec,env:POOLSTR_SEC" help:"secret key (hex)"`
	Debug  bool     `arg:"--debug" help:"verbose logging"`
}

func main() {
	p := arg.MustParse(&args)

	log.Logger = log.Output(zerolog.ConsoleWriter{
		Out: os.Stderr, TimeFormat: time.TimeOnly,
	})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if args.Debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	if args.Keygen != nil {
		keygen()
		return
	}
	if p.Subcommand() == nil {
		p.Fail("missing subcommand")
	}
	if len(args.Relays) == 0 {
		p.Fail("at least one --relay is required")
	}

	signer, err := loadKeys()
	if err != nil {
		log.Fatal().Err(err).Msg("bad secret key")
	}

	ctx, cancel := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cl := client.New(ctx, signer)
	defer cl.Shutdown()
	for _, url := range args.Relays {
		if _, err = cl.AddRelay(url); err != nil {
			log.Fatal().Err(err).Str("relay", url).Msg("cannot add relay")
		}
	}
	if err = cl.Connect(ctx); err != nil {
		log.Fatal().Err(err).Msg("connect failed")
	}

	switch {
	case args.Publish != nil:
		publish(ctx, cl, args.Publish)
	case args.Fetch != nil:
		fetch(ctx, cl, args.Fetch)
	case args.Stream != nil:
		stream(ctx, cl, args.Stream)
	}
}

func loadKeys() (*keys.T, error) {
	if args.Secret == "" {
		log.Info().Msg("no secret key given, using a throwaway key")
		return keys.Generate(), nil
	}
	return keys.FromSecretHex(args.Secret)
}

func keygen() {
	signer := keys.Generate()
	sec, err := signer.SecretKey()
	if err != nil {
		log.Fatal().Err(err).Msg("key generation failed")
	}
	fmt.Printf("sec: %s\npub: %s\n", sec, signer.PublicKey())
}

func publish(ctx context.Context, cl *client.T, cmd *publishCmd) {
	id, err := cl.PublishTextNote(ctx, cmd.Content)
	if err != nil {
		log.Fatal().Err(err).Msg("publish failed")
	}
	fmt.Println(id)
}

func buildFilter(authors []string, kinds []int, limit int) filter.S {
	f := filter.T{}
	if len(authors) > 0 {
		f = f.WithAuthors(authors...)
	}
	ks := make([]kind.T, 0, len(kinds))
	for _, k := range kinds {
		ks = append(ks, kind.T(k))
	}
	if len(ks) == 0 {
		ks = append(ks, kind.TextNote)
	}
	f = f.WithKinds(ks...)
	if limit > 0 {
		f = f.WithLimit(limit)
	}
	return filter.S{f}
}

func fetch(ctx context.Context, cl *client.T, cmd *fetchCmd) {
	events, err := cl.GetEventsOf(ctx,
		buildFilter(cmd.Authors, cmd.Kinds, cmd.Limit), cmd.Timeout)
	if err != nil {
		log.Fatal().Err(err).Msg("query failed")
	}
	for _, ev := range events {
		printEvent(ev)
	}
	log.Info().Int("count", len(events)).Msg("done")
}

func stream(ctx context.Context, cl *client.T, cmd *streamCmd) {
	notifications := cl.Notifications()
	defer notifications.Close()
	if _, err := cl.Subscribe(ctx, buildFilter(cmd.Authors, cmd.Kinds, 0)); err != nil {
		log.Fatal().Err(err).Msg("subscribe failed")
	}
	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-notifications.C:
			if !ok {
				return
			}
			switch nt := n.(type) {
			case pool.EventNotification:
				printEvent(nt.Event)
			case pool.NoticeNotification:
				log.Warn().Str("relay", nt.RelayURL).Msg(nt.Message)
			case pool.RelayStatusNotification:
				log.Info().Str("relay", nt.RelayURL).
					Stringer("status", nt.Status).Msg("relay")
			case pool.LaggedNotification:
				log.Warn().Int64("missed", nt.Missed).
					Msg("fell behind the notification stream")
			case pool.ShutdownNotification:
				return
			}
		}
	}
}

func printEvent(ev *event.T) {
	msg, err := ev.MarshalJSON()
	if err != nil {
		return
	}
	fmt.Println(string(msg))
}
