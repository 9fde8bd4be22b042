package main

import (
	"context"
	"fmt"

	"github.com/developmentseed/ingest-framework/pkg/ingest"
	"github.com/developmentseed/ingest-framework/test/template/processor"
)

func main() {
	step := ingest.Must(ingest.TransformerOf[ingest.ObjectRef, processor.Result](
		"Name Object", ingest.ObjectRefType, processor.ResultType, processor.Processor{}))
	p, err := ingest.New("Template", ingest.ObjectCreated("uploads", ingest.ObjectFilter{}), step)
	if err != nil {
		panic(err)
	}
	runner, err := ingest.NewLocalRunner(p, ingest.NewMemoryQueues())
	if err != nil {
		panic(err)
	}

	out, err := runner.Run(context.Background(), ingest.ObjectRef{Bucket: "uploads", Key: "inbox/alice.csv"})
	if err != nil {
		panic(err)
	}
	fmt.Println(out.Output.(processor.Result).Name)
}
