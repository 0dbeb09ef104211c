package objectcontext_test

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/gxo-labs/entrack/internal/config"
	"github.com/gxo-labs/entrack/internal/events"
	"github.com/gxo-labs/entrack/internal/logger"
	intMetrics "github.com/gxo-labs/entrack/internal/metrics"
	"github.com/gxo-labs/entrack/internal/objectcontext"
	"github.com/gxo-labs/entrack/internal/objectstate"
	"github.com/gxo-labs/entrack/internal/store/memory"
	"github.com/gxo-labs/entrack/internal/testmodel"
	entrack "github.com/gxo-labs/entrack/pkg/entrack/v1"
	entrackerrors "github.com/gxo-labs/entrack/pkg/entrack/v1/errors"
	entrackevents "github.com/gxo-labs/entrack/pkg/entrack/v1/events"
	"github.com/gxo-labs/entrack/pkg/entrack/v1/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	ctx     *objectcontext.ObjectContext
	store   *memory.Store
	bus     *events.RecordingBus
	metrics *intMetrics.PrometheusRegistryProvider
}

func setup(t *testing.T, opts ...entrack.ContextOption) *fixture {
	t.Helper()
	f := &fixture{
		store:   memory.New(),
		bus:     events.NewRecordingBus(),
		metrics: intMetrics.NewPrometheusRegistryProvider(),
	}
	base := []entrack.ContextOption{
		entrack.WithStore(f.store),
		entrack.WithEventBus(f.bus),
		entrack.WithMetricsRegistryProvider(f.metrics),
	}
	c, err := objectcontext.NewObjectContext(testmodel.Workspace(t), logger.NewDiscardLogger(), append(base, opts...)...)
	require.NoError(t, err)
	f.ctx = c
	return f
}

func (f *fixture) seedCustomers(t *testing.T, n int) {
	t.Helper()
	rows := make([]store.Row, n)
	for i := range rows {
		rows[i] = store.Row{"ID": int64(i + 1), "Name": fmt.Sprintf("c%d", i+1), "Email": nil}
	}
	require.NoError(t, f.store.Seed("Customers", []string{"ID"}, rows...))
}

func customerKey(t *testing.T, id int64) objectstate.EntityKey {
	t.Helper()
	k, err := objectstate.NewEntityKey("Customers", []objectstate.KeyMember{{Name: "ID", Value: id}})
	require.NoError(t, err)
	return k
}

// metricValue sums every series of the named metric family.
func metricValue(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	total := 0.0
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
	series:
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if want, ok := labels[lp.GetName()]; ok && want != lp.GetValue() {
					continue series
				}
			}
			switch {
			case m.GetCounter() != nil:
				total += m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				total += m.GetGauge().GetValue()
			case m.GetHistogram() != nil:
				total += float64(m.GetHistogram().GetSampleCount())
			}
		}
	}
	return total
}

func TestNewObjectContextDefaults(t *testing.T) {
	c, err := objectcontext.NewObjectContext(testmodel.Workspace(t), logger.NewDiscardLogger())
	require.NoError(t, err)
	assert.NotNil(t, c.Store())
	assert.NotNil(t, c.MetricsRegistryProvider())
	assert.NotNil(t, c.TracerProvider())
	assert.NotNil(t, c.SecretsProvider())

	_, err = objectcontext.NewObjectContext(nil, logger.NewDiscardLogger())
	assert.Error(t, err)
	_, err = objectcontext.NewObjectContext(testmodel.Workspace(t), nil)
	assert.Error(t, err)
	_, err = objectcontext.NewObjectContext(testmodel.Workspace(t), logger.NewDiscardLogger(), entrack.WithRefreshBatchSize(0))
	var cfgErr *entrackerrors.ConfigError
	assert.ErrorAs(t, err, &cfgErr)
}

func TestProvidersAreFixedAfterCreation(t *testing.T) {
	f := setup(t)
	assert.Error(t, f.ctx.SetEventBus(events.NewRecordingBus()))
	assert.Error(t, f.ctx.SetMetricsRegistryProvider(intMetrics.NewPrometheusRegistryProvider()))

	require.NoError(t, f.ctx.EnsureConnection(context.Background()))
	assert.Error(t, f.ctx.SetStore(memory.New()), "the store cannot change while its connection is in use")
	require.NoError(t, f.ctx.ReleaseConnection())
	assert.NoError(t, f.ctx.SetStore(memory.New()))
}

func TestAddSaveAndAcceptFixesUpKeys(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	c := &testmodel.Customer{Name: "ann"}
	o := &testmodel.Order{Total: 9.5, Customer: c}
	c.Orders = []*testmodel.Order{o}
	require.NoError(t, f.ctx.AddObject("Customers", c))

	e, ok := f.ctx.StateManager().FindEntryByObject(o)
	require.True(t, ok, "related entities are added with the root")
	assert.Equal(t, objectstate.Added, e.State())
	assert.True(t, e.Key().IsTemporary())

	n, err := f.ctx.SaveChanges(ctx, entrack.DefaultSaveOptions())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	assert.NotZero(t, c.ID)
	require.NotNil(t, o.CustomerID)
	assert.Equal(t, c.ID, *o.CustomerID)
	entry, ok := f.ctx.GetEntry(customerKey(t, c.ID))
	require.True(t, ok)
	assert.Equal(t, objectstate.Unchanged, entry.State())
	assert.Same(t, c, entry.Entity())

	got, err := f.ctx.GetObjectByKey(ctx, customerKey(t, c.ID))
	require.NoError(t, err)
	assert.Same(t, c, got)
	assert.Equal(t, 1, f.store.Opens(), "one connection for the save")
	assert.False(t, f.store.IsOpen(), "the context closes the connection it opened")

	row, ok := f.store.Row("Orders", o.ID)
	require.True(t, ok)
	assert.EqualValues(t, c.ID, row["CustomerID"])

	saved := f.bus.OfType(entrackevents.ChangesSaved)
	require.Len(t, saved, 1)
	assert.Equal(t, 2, saved[0].Payload["inserts"])
	assert.Equal(t, 1.0, metricValue(t, f.metrics.Registry(), "entrack_save_changes_total", map[string]string{"status": "success"}))
	assert.Equal(t, 2.0, metricValue(t, f.metrics.Registry(), "entrack_tracked_entries", map[string]string{"state": "Unchanged"}))
}

func TestSaveWithoutAcceptKeepsEntriesPending(t *testing.T) {
	f := setup(t)
	c := &testmodel.Customer{Name: "ann"}
	require.NoError(t, f.ctx.AddObject("", c))

	n, err := f.ctx.SaveChanges(context.Background(), entrack.SaveOptions{DetectChangesBeforeSave: true})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.NotZero(t, c.ID, "generated keys are written back before accepting")
	e, _ := f.ctx.StateManager().FindEntryByObject(c)
	assert.Equal(t, objectstate.Added, e.State())

	require.NoError(t, f.ctx.AcceptAllChanges())
	assert.Equal(t, objectstate.Unchanged, e.State())
	assert.True(t, e.Key().Equal(customerKey(t, c.ID)))
}

func TestQueryOverPendingInsertIsReAddConflict(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	c := &testmodel.Customer{Name: "ann"}
	require.NoError(t, f.ctx.AddObject("Customers", c))

	_, err := f.ctx.SaveChanges(ctx, entrack.SaveOptions{})
	require.NoError(t, err)
	require.NotZero(t, c.ID)

	_, err = f.ctx.ExecuteQuery(ctx, "Customers", entrack.AppendOnly)
	require.Error(t, err)
	assert.True(t, entrackerrors.HasCode(err, entrackerrors.CodeReAddNotAllowed))

	_, _, err = f.ctx.TryGetObjectByKey(ctx, customerKey(t, c.ID))
	require.Error(t, err)
	assert.True(t, entrackerrors.HasCode(err, entrackerrors.CodeReAddNotAllowed))

	m := f.ctx.StateManager()
	assert.Equal(t, 1, m.Count(objectstate.Added))
	assert.Equal(t, 0, m.Count(objectstate.Unchanged))
	require.NoError(t, m.Verify())

	require.NoError(t, f.ctx.AcceptAllChanges())
	loaded, err := f.ctx.ExecuteQuery(ctx, "Customers", entrack.AppendOnly)
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Same(t, c, loaded[0])
}

func TestSaveFailureLeavesMapUntouched(t *testing.T) {
	f := setup(t)
	c := &testmodel.Customer{Name: "ann"}
	require.NoError(t, f.ctx.AddObject("Customers", c))
	f.store.FailNextExecute(errors.New("disk full"))

	_, err := f.ctx.Save(context.Background())
	require.Error(t, err)
	var storeErr *entrackerrors.StoreError
	assert.ErrorAs(t, err, &storeErr)
	e, ok := f.ctx.StateManager().FindEntryByObject(c)
	require.True(t, ok)
	assert.Equal(t, objectstate.Added, e.State())
	assert.Zero(t, c.ID)
	assert.False(t, f.store.IsOpen(), "the connection is released on failure")
	assert.Equal(t, 1.0, metricValue(t, f.metrics.Registry(), "entrack_save_changes_total", map[string]string{"status": "failure"}))
}

func TestSaveSendsDetectedChanges(t *testing.T) {
	f := setup(t)
	f.seedCustomers(t, 1)
	ctx := context.Background()
	got, err := f.ctx.GetObjectByKey(ctx, customerKey(t, 1))
	require.NoError(t, err)
	c := got.(*testmodel.Customer)
	c.Name = "renamed"

	n, err := f.ctx.Save(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	row, _ := f.store.Row("Customers", int64(1))
	assert.Equal(t, "renamed", row["Name"])

	n, err = f.ctx.Save(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "nothing left to send")
}

func TestSaveRejectsConceptualNulls(t *testing.T) {
	f := setup(t)
	o := &testmodel.Order{ID: 1}
	l := &testmodel.Line{OrderID: 1, No: 1, Order: o}
	o.Lines = []*testmodel.Line{l}
	require.NoError(t, f.ctx.AttachTo("Orders", o))
	require.NoError(t, f.ctx.DeleteObject(o))

	_, err := f.ctx.Save(context.Background())
	require.Error(t, err)
	assert.True(t, entrackerrors.HasCode(err, entrackerrors.CodeConceptualNull))
	assert.Zero(t, f.store.ExecuteRuns(), "nothing is sent")
}

func TestAttachIsIdempotent(t *testing.T) {
	f := setup(t)
	c := &testmodel.Customer{ID: 1, Name: "ann"}
	require.NoError(t, f.ctx.AttachTo("Customers", c))
	version := f.ctx.StateManager().Version()

	require.NoError(t, f.ctx.AttachTo("Customers", c))
	assert.Equal(t, version, f.ctx.StateManager().Version())
	assert.Equal(t, 1, f.ctx.StateManager().Count(objectstate.AllTracked))
}

func TestAttachOverDifferentObjectConflicts(t *testing.T) {
	f := setup(t)
	require.NoError(t, f.ctx.AttachTo("Customers", &testmodel.Customer{ID: 1, Name: "ann"}))
	version := f.ctx.StateManager().Version()

	err := f.ctx.AttachTo("Customers", &testmodel.Customer{ID: 1, Name: "impostor"})
	require.Error(t, err)
	assert.True(t, entrackerrors.IsIdentityConflict(err))
	assert.True(t, entrackerrors.HasCode(err, entrackerrors.CodeDuplicateKey))
	assert.Equal(t, version, f.ctx.StateManager().Version(), "map unchanged")
}

func TestAttachRollsBackPartialGraph(t *testing.T) {
	f := setup(t)
	first := &testmodel.Order{ID: 1}
	require.NoError(t, f.ctx.AttachTo("Orders", first))

	c := &testmodel.Customer{ID: 7}
	c.Orders = []*testmodel.Order{{ID: 2}, {ID: 3}, {ID: 1}}
	err := f.ctx.AttachTo("Customers", c)
	require.Error(t, err)
	assert.True(t, entrackerrors.HasCode(err, entrackerrors.CodeDuplicateKey))

	m := f.ctx.StateManager()
	assert.Equal(t, 1, m.Count(objectstate.AllTracked), "only the entity tracked before the call remains")
	_, tracked := m.FindEntryByObject(c)
	assert.False(t, tracked)
	assert.Empty(t, m.RelationshipEntries(objectstate.AllTracked))
	require.NoError(t, m.Verify())
}

func TestAddAndAttachCheckEntitySet(t *testing.T) {
	f := setup(t)
	err := f.ctx.AddObject("Orders", &testmodel.Customer{})
	assert.True(t, entrackerrors.HasCode(err, entrackerrors.CodeEntitySetMismatch))

	err = f.ctx.AttachTo("Nope", &testmodel.Customer{ID: 1})
	assert.True(t, entrackerrors.HasCode(err, entrackerrors.CodeUnknownEntitySet))

	c := &testmodel.Customer{ID: 1}
	require.NoError(t, f.ctx.AttachTo("", c))
	err = f.ctx.AddObject("Customers", c)
	assert.True(t, entrackerrors.HasCode(err, entrackerrors.CodeStateConflict), "an attached object cannot be added")
}

func TestDeleteObject(t *testing.T) {
	f := setup(t)
	added := &testmodel.Customer{Name: "new"}
	require.NoError(t, f.ctx.AddObject("Customers", added))
	require.NoError(t, f.ctx.DeleteObject(added))
	_, tracked := f.ctx.StateManager().FindEntryByObject(added)
	assert.False(t, tracked, "deleting an added entity detaches it")

	c := &testmodel.Customer{ID: 1, Name: "ann"}
	require.NoError(t, f.ctx.AttachTo("Customers", c))
	require.NoError(t, f.ctx.DeleteObject(c))
	e, _ := f.ctx.StateManager().FindEntryByObject(c)
	assert.Equal(t, objectstate.Deleted, e.State())

	require.NoError(t, f.ctx.ChangeObjectState(c, objectstate.Unchanged))
	assert.Equal(t, objectstate.Unchanged, e.State())
	orig, err := e.OriginalValue("Name")
	require.NoError(t, err)
	assert.Equal(t, "ann", orig)

	err = f.ctx.DeleteObject(&testmodel.Customer{ID: 1})
	assert.True(t, entrackerrors.IsNotTracked(err))
}

func TestChangeObjectState(t *testing.T) {
	f := setup(t)
	added := &testmodel.Customer{Name: "new"}
	require.NoError(t, f.ctx.AddObject("Customers", added))
	err := f.ctx.ChangeObjectState(added, objectstate.Modified)
	assert.True(t, entrackerrors.IsIllegalStateTransition(err))
	err = f.ctx.ChangeObjectState(added, objectstate.Deleted)
	assert.True(t, entrackerrors.IsIllegalStateTransition(err))

	c := &testmodel.Customer{ID: 1, Name: "ann"}
	require.NoError(t, f.ctx.AttachTo("Customers", c))
	require.NoError(t, f.ctx.ChangeObjectState(c, objectstate.Modified))
	e, _ := f.ctx.StateManager().FindEntryByObject(c)
	assert.Equal(t, objectstate.Modified, e.State())
	assert.Contains(t, e.ModifiedMembers(), "Name")

	require.NoError(t, f.ctx.ChangeObjectState(c, objectstate.Detached))
	assert.Equal(t, objectstate.Detached, e.State())
}

func TestDetachSeversNavigations(t *testing.T) {
	f := setup(t)
	c := &testmodel.Customer{ID: 1}
	o := &testmodel.Order{ID: 5, Customer: c}
	c.Orders = []*testmodel.Order{o}
	require.NoError(t, f.ctx.AttachTo("Customers", c))

	require.NoError(t, f.ctx.Detach(o))
	assert.Empty(t, c.Orders)
	assert.Nil(t, o.Customer)
	_, tracked := f.ctx.StateManager().FindEntryByObject(c)
	assert.True(t, tracked, "related entities stay tracked")

	err := f.ctx.Detach(o)
	assert.True(t, entrackerrors.IsNotTracked(err))
}

func TestApplyValuesFromDetachedCopy(t *testing.T) {
	f := setup(t)
	c := &testmodel.Customer{ID: 1, Name: "ann"}
	require.NoError(t, f.ctx.AttachTo("Customers", c))

	got, err := f.ctx.ApplyCurrentValues("Customers", &testmodel.Customer{ID: 1, Name: "bea"})
	require.NoError(t, err)
	assert.Same(t, c, got)
	assert.Equal(t, "bea", c.Name)
	e, _ := f.ctx.StateManager().FindEntryByObject(c)
	assert.Equal(t, objectstate.Modified, e.State())
	assert.Equal(t, []string{"Name"}, e.ModifiedMembers())

	_, err = f.ctx.ApplyOriginalValues("Customers", &testmodel.Customer{ID: 1, Name: "cid"})
	require.NoError(t, err)
	orig, _ := e.OriginalValue("Name")
	assert.Equal(t, "cid", orig)

	_, err = f.ctx.ApplyCurrentValues("Customers", &testmodel.Customer{ID: 2})
	assert.True(t, entrackerrors.HasCode(err, entrackerrors.CodeObjectNotFound))
}

func TestTryGetObjectByKeyFallsBackToStore(t *testing.T) {
	f := setup(t)
	f.seedCustomers(t, 3)
	ctx := context.Background()

	got, found, err := f.ctx.TryGetObjectByKey(ctx, customerKey(t, 2))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "c2", got.(*testmodel.Customer).Name)
	e, ok := f.ctx.GetEntry(customerKey(t, 2))
	require.True(t, ok)
	assert.Equal(t, objectstate.Unchanged, e.State())

	again, found, err := f.ctx.TryGetObjectByKey(ctx, customerKey(t, 2))
	require.NoError(t, err)
	require.True(t, found)
	assert.Same(t, got, again)
	assert.Len(t, f.store.Queries(), 1, "tracked keys are served from the map")

	_, found, err = f.ctx.TryGetObjectByKey(ctx, customerKey(t, 99))
	require.NoError(t, err)
	assert.False(t, found)
	_, err = f.ctx.GetObjectByKey(ctx, customerKey(t, 99))
	assert.True(t, entrackerrors.HasCode(err, entrackerrors.CodeObjectNotFound))
}

func TestExecuteQueryMergeOptions(t *testing.T) {
	f := setup(t)
	f.seedCustomers(t, 2)
	ctx := context.Background()

	loaded, err := f.ctx.ExecuteQuery(ctx, "Customers", entrack.AppendOnly)
	require.NoError(t, err)
	require.Len(t, loaded, 2)
	c := loaded[0].(*testmodel.Customer)
	c.Name = "edited"
	require.NoError(t, f.ctx.DetectChanges())

	_, err = f.ctx.ExecuteQuery(ctx, "Customers", entrack.AppendOnly)
	require.NoError(t, err)
	assert.Equal(t, "edited", c.Name, "append only keeps pending edits")

	_, err = f.ctx.ExecuteQuery(ctx, "Customers", entrack.OverwriteChanges)
	require.NoError(t, err)
	assert.Equal(t, "c1", c.Name)
	e, _ := f.ctx.StateManager().FindEntryByObject(c)
	assert.Equal(t, objectstate.Unchanged, e.State())

	detached, err := f.ctx.ExecuteQuery(ctx, "Customers", entrack.NoTracking)
	require.NoError(t, err)
	require.Len(t, detached, 2)
	assert.NotSame(t, c, detached[0])
	assert.Equal(t, 2, f.ctx.StateManager().Count(objectstate.AllTracked))
}

func TestRefreshThroughContext(t *testing.T) {
	f := setup(t, entrack.WithRefreshBatchSize(2))
	f.seedCustomers(t, 5)
	ctx := context.Background()
	loaded, err := f.ctx.ExecuteQuery(ctx, "Customers", entrack.AppendOnly)
	require.NoError(t, err)
	f.store.ResetQueries()

	c := loaded[0].(*testmodel.Customer)
	c.Name = "client"
	require.NoError(t, f.ctx.Refresh(ctx, entrack.StoreWins, loaded...))
	assert.Len(t, f.store.Queries(), 3)
	assert.Equal(t, "c1", c.Name, "store wins discards client edits")
	assert.Len(t, f.bus.OfType(entrackevents.RefreshBatchIssued), 3)
	assert.Equal(t, 3.0, metricValue(t, f.metrics.Registry(), "entrack_refresh_batches_total", map[string]string{"entity_set": "Customers"}))
	assert.Equal(t, 3.0, metricValue(t, f.metrics.Registry(), "entrack_refresh_keys", nil))

	c.Name = "client"
	res, err := f.ctx.RefreshWithResult(ctx, entrack.ClientWins, []interface{}{c})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Reconciled)
	assert.Equal(t, "client", c.Name)
	e, _ := f.ctx.StateManager().FindEntryByObject(c)
	assert.Equal(t, objectstate.Modified, e.State())

	err = f.ctx.Refresh(ctx, entrack.StoreWins, &testmodel.Customer{ID: 1})
	assert.True(t, entrackerrors.IsNotTracked(err))
}

func TestConnectionReferenceCount(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	require.NoError(t, f.ctx.EnsureConnection(ctx))
	require.NoError(t, f.ctx.EnsureConnection(ctx))
	assert.True(t, f.store.IsOpen())
	require.NoError(t, f.ctx.ReleaseConnection())
	assert.True(t, f.store.IsOpen(), "still referenced")
	require.NoError(t, f.ctx.ReleaseConnection())
	assert.False(t, f.store.IsOpen())
	assert.Equal(t, 1, f.store.Opens())
	assert.Len(t, f.bus.OfType(entrackevents.ConnectionOpened), 1)
	assert.Len(t, f.bus.OfType(entrackevents.ConnectionClosed), 1)
	assert.NoError(t, f.ctx.ReleaseConnection(), "extra releases are ignored")

	require.NoError(t, f.store.Open(ctx))
	require.NoError(t, f.ctx.EnsureConnection(ctx))
	require.NoError(t, f.ctx.ReleaseConnection())
	assert.True(t, f.store.IsOpen(), "a connection opened by the caller stays open")
}

func TestEnsureConnectionRetriesOpen(t *testing.T) {
	f := setup(t, entrack.WithOpenRetry(3, 0))
	f.store.FailOpens(2, errors.New("connection refused"))
	require.NoError(t, f.ctx.EnsureConnection(context.Background()))
	assert.Equal(t, 1, f.store.Opens())
	require.NoError(t, f.ctx.ReleaseConnection())

	g := setup(t, entrack.WithOpenRetry(2, 0))
	g.store.FailOpens(5, errors.New("connection refused"))
	err := g.ctx.EnsureConnection(context.Background())
	var storeErr *entrackerrors.StoreError
	require.ErrorAs(t, err, &storeErr)
	assert.False(t, g.store.IsOpen())
}

func TestRedactedValuesNeverSurface(t *testing.T) {
	f := setup(t, entrack.WithRedactedValues("hunter2"))
	f.store.FailOpens(1, errors.New("auth failed for password hunter2"))
	err := f.ctx.EnsureConnection(context.Background())
	require.Error(t, err)
	assert.NotContains(t, err.Error(), "hunter2")
}

func TestCloseDisposesContext(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	require.NoError(t, f.ctx.EnsureConnection(ctx))
	require.NoError(t, f.ctx.Close())
	assert.False(t, f.store.IsOpen())
	assert.NoError(t, f.ctx.Close(), "closing twice is harmless")

	checks := map[string]error{
		"AddObject":        f.ctx.AddObject("Customers", &testmodel.Customer{}),
		"AttachTo":         f.ctx.AttachTo("Customers", &testmodel.Customer{ID: 1}),
		"DetectChanges":    f.ctx.DetectChanges(),
		"AcceptAllChanges": f.ctx.AcceptAllChanges(),
		"Refresh":          f.ctx.Refresh(ctx, entrack.StoreWins),
		"EnsureConnection": f.ctx.EnsureConnection(ctx),
	}
	_, err := f.ctx.Save(ctx)
	checks["Save"] = err
	_, err = f.ctx.ExecuteQuery(ctx, "Customers", entrack.AppendOnly)
	checks["ExecuteQuery"] = err
	for name, err := range checks {
		assert.True(t, entrackerrors.IsResourceDisposed(err), name)
	}
	_, ok := f.ctx.GetEntry(customerKey(t, 1))
	assert.False(t, ok)
}

func TestNewFromModelWithSQLiteStore(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "shop.db")
	t.Setenv("ENTRACK_TEST_DSN", dsn)
	model := testmodel.Model(t)
	model.Connection = &config.ConnectionConfig{Driver: "sqlite", DSNEnv: "ENTRACK_TEST_DSN", EnsureSchema: true}
	ctx := context.Background()

	oc, err := objectcontext.NewFromModel(ctx, model, logger.NewDiscardLogger())
	require.NoError(t, err)
	testmodel.Register(oc.Workspace().Types())

	c := &testmodel.Customer{Name: "ann"}
	o := &testmodel.Order{Total: 3, Customer: c}
	c.Orders = []*testmodel.Order{o}
	require.NoError(t, oc.AddObject("Customers", c))
	n, err := oc.Save(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	require.NotNil(t, o.CustomerID)
	assert.Equal(t, c.ID, *o.CustomerID)
	require.NoError(t, oc.Close())

	reader, err := objectcontext.NewFromModel(ctx, model, logger.NewDiscardLogger())
	require.NoError(t, err)
	testmodel.Register(reader.Workspace().Types())
	orders, err := reader.ExecuteQuery(ctx, "Orders", entrack.AppendOnly)
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, o.ID, orders[0].(*testmodel.Order).ID)
	assert.Equal(t, 3.0, orders[0].(*testmodel.Order).Total)
}

func TestNewFromModelRequiresDSNSecret(t *testing.T) {
	model := testmodel.Model(t)
	model.Connection = &config.ConnectionConfig{Driver: "pgx", DSNEnv: "ENTRACK_TEST_MISSING_DSN"}
	_, err := objectcontext.NewFromModel(context.Background(), model, logger.NewDiscardLogger())
	var cfgErr *entrackerrors.ConfigError
	assert.ErrorAs(t, err, &cfgErr)
}
