// Command corenetd is the demo server side of the echo scenario: it opens a
// single context, waits for unexpected messages, and replies on the same
// tag with the reversed payload so a client can verify round-trip delivery.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"

	"github.com/sirupsen/logrus"

	"github.com/parafs/corenet/bmi"
	"github.com/parafs/corenet/bmi/mp"
	"github.com/parafs/corenet/bmi/tm"
	"github.com/parafs/corenet/bmi/tm/tcp"
	"github.com/parafs/corenet/internal/telemetry"
)

const demoContext bmi.ContextID = 1

func main() {
	listenAddr := flag.String("listen", "tcp://127.0.0.1:7890", "address to listen on")
	flag.Parse()

	base := telemetry.NewLogger(logrus.InfoLevel)
	log := telemetry.Component(base, "corenetd")

	core := mp.New(log, nil)
	core.RegisterKnown("tcp", tcp.New(telemetry.Component(base, "tm-tcp")))

	if err := core.Initialize([]string{"tcp"}, []string{*listenAddr}, tm.FlagServer); err != nil {
		log.WithError(err).Fatal("initialize failed")
	}
	defer core.Finalize()

	if err := core.OpenContext(demoContext); err != nil {
		log.WithError(err).Fatal("open context failed")
	}
	defer core.CloseContext(demoContext)

	log.WithField("listen", *listenAddr).Info("corenetd listening")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			log.Info("shutting down")
			return
		default:
		}

		comps, err := core.TestUnexpected(8, 0, false, 200)
		if err != nil {
			log.WithError(err).Error("testunexpected failed")
			continue
		}
		for _, comp := range comps {
			handleEcho(core, log, comp)
		}
	}
}

func handleEcho(core *mp.Core, log *logrus.Entry, comp bmi.Completion) {
	reply := reverse(comp.Buffer)
	if _, _, err := core.PostSend(comp.Sender, reply, comp.Tag, 0, demoContext, nil); err != nil {
		log.WithError(err).Error("echo reply failed")
		return
	}
	log.WithFields(logrus.Fields{
		"from": comp.Sender.String,
		"tag":  comp.Tag,
		"size": len(comp.Buffer),
	}).Info("echoed message")
}

func reverse(in []byte) []byte {
	out := make([]byte, len(in))
	for i, b := range in {
		out[len(in)-1-i] = b
	}
	return out
}
