package fieldsync

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaultRegistryTracksCMMSEntities(t *testing.T) {
	registry, err := DefaultRegistry()
	require.NoError(t, err)
	require.Equal(t, []string{"work_orders", "pm_schedule", "pm_tasks", "assets", "cost_entries"}, registry.Entities())
	require.Equal(t, 100, registry.PageSize("work_orders"))
	require.Equal(t, 100, registry.PageSize("pm_schedule"))
	require.Equal(t, 50, registry.PageSize("assets"))
	require.Equal(t, defaultPageSize, registry.PageSize("invoices"))

	_, ok := registry.Lookup("invoices")
	require.False(t, ok)
}

func TestParseRegistryRejectsBadInput(t *testing.T) {
	cases := map[string]string{
		"empty":          `entities: []`,
		"bad name":       "entities:\n  - name: Work-Orders\n",
		"duplicate":      "entities:\n  - name: assets\n  - name: assets\n",
		"reserved field": "entities:\n  - name: assets\n    fields:\n      updated_at: {type: string}\n",
		"unknown type":   "entities:\n  - name: assets\n    fields:\n      name: {type: text}\n",
		"not yaml":       "entities: [",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseRegistry([]byte(doc))
			require.Error(t, err)
		})
	}
}

func TestValidateAcceptsWellFormedWrites(t *testing.T) {
	registry, err := DefaultRegistry()
	require.NoError(t, err)

	payload, err := registry.Validate(SyncOperation{
		ID:              "op1",
		Kind:            OpCreate,
		Entity:          "cost_entries",
		RecordID:        "ce-1",
		ClientTimestamp: t0,
		Payload: map[string]any{
			"work_order_id": "wo-1",
			"type":          "LABOR",
			"amount":        120.5,
			"description":   nil,
			"meta":          map[string]any{"hours": 2},
			"version":       7,
		},
	})
	require.NoError(t, err)
	require.NotContains(t, payload, "version")
	require.Equal(t, "LABOR", payload["type"])

	payload, err = registry.Validate(SyncOperation{ID: "op2", Kind: OpDelete, Entity: "assets", RecordID: "a-1"})
	require.NoError(t, err)
	require.Nil(t, payload)
}

func TestValidateRejectsMalformedWrites(t *testing.T) {
	registry, err := DefaultRegistry()
	require.NoError(t, err)

	base := func() SyncOperation {
		return SyncOperation{
			ID:              "op1",
			Kind:            OpUpdate,
			Entity:          "pm_tasks",
			RecordID:        "pm-1",
			ClientTimestamp: t0,
			Payload:         map[string]any{"name": "Lubricate bearings"},
		}
	}
	cases := []struct {
		name   string
		mutate func(*SyncOperation)
		target error
	}{
		{name: "missing id", mutate: func(op *SyncOperation) { op.ID = "" }, target: ErrValidation},
		{name: "bad kind", mutate: func(op *SyncOperation) { op.Kind = "PATCH" }, target: ErrValidation},
		{name: "unknown entity", mutate: func(op *SyncOperation) { op.Entity = "users" }, target: ErrUnknownEntity},
		{name: "missing record id", mutate: func(op *SyncOperation) { op.RecordID = " " }, target: ErrValidation},
		{name: "missing timestamp", mutate: func(op *SyncOperation) { op.ClientTimestamp = time.Time{} }, target: ErrValidation},
		{name: "missing data", mutate: func(op *SyncOperation) { op.Payload = nil }, target: ErrValidation},
		{name: "wrong type", mutate: func(op *SyncOperation) { op.Payload["interval_value"] = "weekly" }, target: ErrValidation},
		{name: "fractional integer", mutate: func(op *SyncOperation) { op.Payload["interval_value"] = 1.5 }, target: ErrValidation},
		{name: "enum", mutate: func(op *SyncOperation) { op.Payload["trigger_type"] = "WHENEVER" }, target: ErrValidation},
		{name: "unknown column", mutate: func(op *SyncOperation) { op.Payload["owner"] = "me" }, target: ErrValidation},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			op := base()
			tc.mutate(&op)
			_, err := registry.Validate(op)
			require.ErrorIs(t, err, tc.target)
		})
	}
}

func TestReplaceKeepsRegistryIdentity(t *testing.T) {
	registry, err := DefaultRegistry()
	require.NoError(t, err)
	next, err := ParseRegistry([]byte("entities:\n  - name: meters\n    page_size: 10\n    fields:\n      reading: {type: number}\n"))
	require.NoError(t, err)

	registry.Replace(next)
	require.Equal(t, []string{"meters"}, registry.Entities())
	require.Equal(t, 10, registry.PageSize("meters"))

	_, err = registry.Validate(SyncOperation{ID: "op1", Kind: OpCreate, Entity: "work_orders", RecordID: "wo-1", ClientTimestamp: t0, Payload: map[string]any{}})
	require.ErrorIs(t, err, ErrUnknownEntity)
}
