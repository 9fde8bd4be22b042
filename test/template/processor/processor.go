package processor

import (
	"context"
	"path"
	"strings"

	"github.com/developmentseed/ingest-framework/pkg/ingest"
)

var ResultType = ingest.NewType("Result")

type Result struct {
	Key  string `json:"key"`
	Name string `json:"name"`
}

type Processor struct{}

func (Processor) Process(_ context.Context, ref ingest.ObjectRef) (Result, error) {
	name := strings.TrimSuffix(path.Base(ref.Key), path.Ext(ref.Key))
	return Result{Key: ref.Key, Name: strings.ToUpper(name)}, nil
}
