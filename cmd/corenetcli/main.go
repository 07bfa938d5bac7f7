// Command corenetcli is the demo client side of the echo scenario: it builds
// a two-state send/recv machine on the SME engine and drives it to
// completion against a running corenetd, printing the reversed reply.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/parafs/corenet/bmi"
	"github.com/parafs/corenet/bmi/mp"
	"github.com/parafs/corenet/bmi/tm/tcp"
	"github.com/parafs/corenet/internal/telemetry"
	"github.com/parafs/corenet/sme"
)

func main() {
	target := flag.String("target", "tcp://127.0.0.1:7890", "server address")
	message := flag.String("message", "hello corenet", "payload to send")
	tag := flag.Uint("tag", 7, "message tag")
	flag.Parse()

	base := telemetry.NewLogger(logrus.InfoLevel)
	log := telemetry.Component(base, "corenetcli")

	core := mp.New(log, nil)
	core.RegisterKnown("tcp", tcp.New(telemetry.Component(base, "tm-tcp")))

	addr, err := core.AddrLookup(*target)
	if err != nil {
		log.WithError(err).Fatal("addr lookup failed")
	}
	defer core.DecAddrRef(addr)

	engine := sme.New(core, log)
	engine.Register(sme.OpIO, buildEchoMachine(addr, uint32(*tag), []byte(*message)))

	smcb := &sme.SMCB{}
	sysOpID, err := engine.Post(sme.OpIO, smcb, nil)
	if err != nil {
		log.WithError(err).Fatal("post failed")
	}

	done, err := engine.Test(sysOpID, 5000)
	if err != nil {
		log.WithError(err).Fatal("test failed")
	}
	if !done {
		log.Fatal("timed out waiting for echo reply")
	}
	if smcb.Error != nil {
		log.WithError(smcb.Error).Fatal("echo round trip failed")
	}

	fmt.Printf("sent %q, received %q\n", *message, string(smcb.UserPtr.([]byte)))
	os.Exit(0)
}

// buildEchoMachine compiles a two-state machine: post the send, then post a
// recv sized to the payload and tagged the same way, yielding between posts
// and completion deliveries exactly as sme.Engine expects of a RunFunc.
func buildEchoMachine(addr bmi.MPAddr, tag uint32, payload []byte) *sme.CompiledStateMachine {
	reply := make([]byte, len(payload))
	var sendOpID, recvOpID bmi.OpID
	var sendPosted, recvPosted bool

	recvState := &sme.State{
		Name:   "recv",
		Action: sme.ActionRun,
		Run: func(smcb *sme.SMCB, job sme.JobStatus) (bool, int) {
			if recvPosted && job.OpID == uint64(recvOpID) {
				if job.Error != nil {
					return true, 1
				}
				smcb.UserPtr = reply[:job.ActualSize]
				return true, 0
			}
			opID, immediate, err := smcb.Engine().MP().PostRecv(addr, reply, tag, 0, sme.ClientSMContext, nil)
			if err != nil {
				return true, 1
			}
			recvOpID, recvPosted = opID, true
			if immediate {
				smcb.UserPtr = reply
				return true, 0
			}
			smcb.Engine().TrackOp(opID, smcb)
			return false, 0
		},
		Transitions: []sme.Transition{
			{ReturnValue: 0, Kind: sme.Terminate},
			{ReturnValue: 1, Kind: sme.Terminate},
		},
	}

	sendState := &sme.State{
		Name:   "send",
		Action: sme.ActionRun,
		Run: func(smcb *sme.SMCB, job sme.JobStatus) (bool, int) {
			if sendPosted && job.OpID == uint64(sendOpID) {
				if job.Error != nil {
					return true, 1
				}
				return true, 0
			}
			opID, immediate, err := smcb.Engine().MP().PostSendUnexpected(addr, payload, tag, 0, sme.ClientSMContext, nil)
			if err != nil {
				return true, 1
			}
			sendOpID, sendPosted = opID, true
			if immediate {
				return true, 0
			}
			smcb.Engine().TrackOp(opID, smcb)
			return false, 0
		},
		Transitions: []sme.Transition{
			{ReturnValue: 0, Kind: sme.NextState, Next: recvState},
			{ReturnValue: 1, Kind: sme.Terminate},
		},
	}

	return &sme.CompiledStateMachine{Name: "echo-client", States: []*sme.State{sendState, recvState}, First: sendState}
}
