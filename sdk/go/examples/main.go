package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"Sentinel-Orchestrator/internal/envelope"
	"Sentinel-Orchestrator/internal/identity"
	"Sentinel-Orchestrator/sdk/go/sentinel"
)

func main() {
	baseURL := os.Getenv("SENTINEL_URL")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}
	subject := "policy123"
	if len(os.Args) > 1 {
		subject = os.Args[1]
	}

	id, err := identity.Generate("did:example:sdk-demo")
	if err != nil {
		panic(err)
	}
	codec, err := envelope.NewCodec(id, nil, envelope.ModeOpen)
	if err != nil {
		panic(err)
	}
	client, err := sentinel.NewClient(baseURL, codec)
	if err != nil {
		panic(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	info, err := client.AgentInfo(ctx)
	if err != nil {
		panic(err)
	}
	fmt.Printf("connected to %s (%s, specialists=%v)\n", info.AgentID, info.Mode, info.Specialists)

	verdict, err := client.Verify(ctx, sentinel.VerifyRequest{Subject: subject})
	if err != nil {
		panic(err)
	}
	fmt.Printf("sync verdict: %s score=%d contributing=%d\n", verdict.Classification, verdict.Score, verdict.ContributingCount)

	job, err := client.SubmitJob(ctx, sentinel.VerifyRequest{Subject: subject})
	if err != nil {
		panic(err)
	}
	fmt.Printf("submitted job %s (status=%s)\n", job.ID, job.Status)

	async, err := client.WaitForJob(ctx, job.ID, time.Second)
	if err != nil {
		panic(err)
	}
	fmt.Printf("async verdict: %s score=%d\n", async.Classification, async.Score)
}
