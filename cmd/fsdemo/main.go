// Command fsdemo runs the transfer workflow end to end against a
// throwaway filesystem backend in a single process: it starts a run
// that deliberately fails its credit step, lets an agent replay it
// until it stops, and prints the outcome: the credit step fails on its
// only attempt, the debit's compensation refunds it, and the run ends
// with an error, which is printed as "run failed: ...".
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	"skeenode/agent"
	"skeenode/conductor"
	"skeenode/pkg/storage/fsbackend"
	"skeenode/workflows"
)

func main() {
	dir, err := os.MkdirTemp("", "substantial-fsdemo-*")
	if err != nil {
		log.Fatalf("mkdtemp: %v", err)
	}
	defer os.RemoveAll(dir)

	backend, err := fsbackend.New(dir)
	if err != nil {
		log.Fatalf("fsbackend.New: %v", err)
	}
	defer backend.Close()

	cond := conductor.New(backend, "")
	workflows.RegisterAll(cond)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	handle, err := cond.Start(ctx, "transfer", workflows.TransferInput{
		FromAccount: "acct-1",
		ToAccount:   "acct-2",
		AmountCents: 5000,
		FailCredit:  true,
	})
	if err != nil {
		log.Fatalf("start: %v", err)
	}
	fmt.Printf("started run %s\n", handle.RunID())

	worker := cond.Agent("fsdemo-agent", agent.DefaultConfig(""))
	go worker.Run(ctx)

	var result workflows.TransferResult
	if err := handle.Result(ctx, 20*time.Millisecond, &result); err != nil {
		fmt.Printf("run failed: %v\n", err)
		return
	}

	out, _ := json.MarshalIndent(result, "", "  ")
	fmt.Println(string(out))
}
