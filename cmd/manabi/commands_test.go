package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/manabi"
)

type fakeEngine struct {
	created   manabi.CreateRequest
	applied   manabi.ApplyRequest
	ingested  string
	settle    time.Duration
	shutdowns int
	applyAll  map[uuid.UUID]manabi.ApplyResult
	err       error
}

func (f *fakeEngine) Run(_ context.Context, in io.Reader, out io.Writer) error {
	f.shutdowns++
	_, err := io.Copy(out, in)
	return err
}

func (f *fakeEngine) Watch(_ context.Context, settle time.Duration) error {
	f.settle = settle
	return f.err
}

func (f *fakeEngine) Shutdown(context.Context) error {
	f.shutdowns++
	return nil
}

func (f *fakeEngine) Migrate(context.Context) ([]string, error) {
	return []string{"001_knowledge_bases.sql", "002_learning_events.sql"}, f.err
}

func (f *fakeEngine) CreateKnowledgeBase(_ context.Context, name string, fields map[string]string, tools []string) (manabi.KnowledgeBase, error) {
	return manabi.KnowledgeBase{ID: uuid.New(), Name: name, Fields: fields, ToolStack: tools, Version: 1}, f.err
}

func (f *fakeEngine) CreateLearningEvents(_ context.Context, req manabi.CreateRequest) (manabi.CreateResult, error) {
	f.created = req
	return manabi.CreateResult{Success: true, EventsCreated: len(req.Insights)}, f.err
}

func (f *fakeEngine) Ingest(_ context.Context, _ uuid.UUID, _, _, data string, _ *string) (manabi.CreateResult, error) {
	f.ingested = data
	return manabi.CreateResult{Success: true}, f.err
}

func (f *fakeEngine) ApplyLearningEvents(_ context.Context, req manabi.ApplyRequest) (manabi.ApplyResult, error) {
	f.applied = req
	return manabi.ApplyResult{Success: true, EventsApplied: 2}, f.err
}

func (f *fakeEngine) ApplyAll(_ context.Context, req manabi.ApplyRequest) (map[uuid.UUID]manabi.ApplyResult, error) {
	f.applied = req
	return f.applyAll, f.err
}

func (f *fakeEngine) Reconstruct(_ context.Context, id uuid.UUID) (manabi.Reconstruction, error) {
	return manabi.Reconstruction{KnowledgeBaseID: id, Approximate: true}, f.err
}

func (f *fakeEngine) Status(_ context.Context, id uuid.UUID) (manabi.Status, error) {
	return manabi.Status{KnowledgeBaseID: id, EventsPending: 3}, f.err
}

// execute runs the CLI with args against f and returns stdout.
func execute(t *testing.T, f *fakeEngine, stdin string, args ...string) (string, error) {
	t.Helper()
	root := buildRootCmd(func(context.Context) (engine, error) { return f, nil })
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(io.Discard)
	root.SetIn(strings.NewReader(stdin))
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestCreateReadsInsightsFromStdin(t *testing.T) {
	f := &fakeEngine{}
	kb := uuid.New()
	out, err := execute(t, f,
		`[{"insight":"Uses Slack for client comms","category":"workflow_patterns","confidence":85}]`,
		"create", "--kb", kb.String(), "--source-type", "conversation", "--source-id", "call-7", "--triggered-by", "analyst")
	require.NoError(t, err)

	assert.Equal(t, kb, f.created.KnowledgeBaseID)
	assert.Equal(t, "conversation", f.created.SourceType)
	require.Len(t, f.created.Insights, 1)
	assert.Equal(t, 85, *f.created.Insights[0].Confidence)
	require.NotNil(t, f.created.TriggeredBy)
	assert.Equal(t, "analyst", *f.created.TriggeredBy)
	assert.Equal(t, 1, f.shutdowns)

	var res manabi.CreateResult
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, 1, res.EventsCreated)
}

func TestCreateRejectsMalformedInsights(t *testing.T) {
	_, err := execute(t, &fakeEngine{}, `{"insight": "not an array"}`, "create", "--kb", uuid.NewString())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse insights")
}

func TestIngestReadsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "notes.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"insights": []}`), 0o600))

	f := &fakeEngine{}
	_, err := execute(t, f, "", "ingest", "--kb", uuid.NewString(), "-f", path)
	require.NoError(t, err)
	assert.Equal(t, `{"insights": []}`, f.ingested)
}

func TestApplyPassesFlags(t *testing.T) {
	f := &fakeEngine{}
	kb := uuid.New()
	_, err := execute(t, f, "", "apply", "--kb", kb.String(), "--min-confidence", "90", "--batch-size", "25")
	require.NoError(t, err)
	assert.Equal(t, manabi.ApplyRequest{KnowledgeBaseID: kb, MinConfidence: 90, BatchSize: 25}, f.applied)
}

func TestApplyRequiresKnowledgeBase(t *testing.T) {
	_, err := execute(t, &fakeEngine{}, "", "apply")
	assert.Error(t, err)

	_, err = execute(t, &fakeEngine{}, "", "apply", "--kb", "not-a-uuid")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid knowledge base id")
}

func TestApplyAllReportsFailures(t *testing.T) {
	f := &fakeEngine{applyAll: map[uuid.UUID]manabi.ApplyResult{
		uuid.New(): {Success: true},
		uuid.New(): {Success: false, Errors: []string{"lock timeout"}},
	}}
	out, err := execute(t, f, "", "apply-all")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 of 2")
	assert.Contains(t, out, "lock timeout")
}

func TestEngineErrorsPropagate(t *testing.T) {
	f := &fakeEngine{err: errors.New("storage: not found")}
	_, err := execute(t, f, "", "status", "--kb", uuid.NewString())
	require.Error(t, err)
	assert.Equal(t, 1, f.shutdowns, "the engine is shut down even on failure")
}

func TestReplayAlias(t *testing.T) {
	kb := uuid.New()
	out, err := execute(t, &fakeEngine{}, "", "replay", "--kb", kb.String())
	require.NoError(t, err)
	assert.Contains(t, out, kb.String())
	assert.Contains(t, out, `"approximate": true`)
}

func TestWatchSettleFlag(t *testing.T) {
	f := &fakeEngine{}
	_, err := execute(t, f, "", "watch", "--settle", "5s")
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, f.settle)
}

func TestCreateKBParsesFields(t *testing.T) {
	out, err := execute(t, &fakeEngine{}, "", "create-kb", "--name", "Acme", "--field", "industry=Accounting", "--tool", "Slack,Notion")
	require.NoError(t, err)

	var kb manabi.KnowledgeBase
	require.NoError(t, json.Unmarshal([]byte(out), &kb))
	assert.Equal(t, "Acme", kb.Name)
	assert.Equal(t, map[string]string{"industry": "Accounting"}, kb.Fields)
	assert.Equal(t, []string{"Slack", "Notion"}, kb.ToolStack)
}

func TestParseFields(t *testing.T) {
	got, err := parseFields([]string{"industry = Accounting", "size=12", "size=15"})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"industry": "Accounting", "size": "15"}, got)

	_, err = parseFields([]string{"novalue"})
	assert.Error(t, err)
	_, err = parseFields([]string{"=x"})
	assert.Error(t, err)

	got, err = parseFields(nil)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestParseKnowledgeBaseIDRejectsNil(t *testing.T) {
	_, err := parseKnowledgeBaseID(uuid.Nil.String())
	assert.Error(t, err)
}

func TestServeUsesCommandStreams(t *testing.T) {
	f := &fakeEngine{}
	out, err := execute(t, f, `{"jsonrpc":"2.0"}`, "serve")
	require.NoError(t, err)
	assert.Equal(t, `{"jsonrpc":"2.0"}`, out)
}
