package objectcontext

import (
	"context"
	"time"

	"github.com/gxo-labs/entrack/internal/objectstate"
	entrackerrors "github.com/gxo-labs/entrack/pkg/entrack/v1/errors"
	"github.com/gxo-labs/entrack/pkg/entrack/v1/events"
)

// EnsureConnection takes a reference on the store connection, opening it on
// the first reference when it is not open yet. Every successful call must
// be paired with ReleaseConnection.
func (c *ObjectContext) EnsureConnection(ctx context.Context) error {
	if err := c.requireOpen(); err != nil {
		return err
	}
	if c.connRefs == 0 && !c.store.IsOpen() {
		err := c.retryHelper.Do(ctx, c.openRetry, func(ctx context.Context) error {
			return c.store.Open(ctx)
		})
		if err != nil {
			return entrackerrors.NewStoreError("open connection", c.tracker.RedactError(err))
		}
		if c.onOpen != nil {
			if err := c.onOpen(ctx); err != nil {
				_ = c.store.Close()
				return entrackerrors.NewStoreError("prepare connection", c.tracker.RedactError(err))
			}
		}
		c.openedByContext = true
		c.emitConnection(events.ConnectionOpened)
		c.log.Debugf("Opened store connection")
	}
	c.connRefs++
	return nil
}

// ReleaseConnection drops one reference. The last release closes the
// connection when this context opened it.
func (c *ObjectContext) ReleaseConnection() error {
	if c.connRefs == 0 {
		return nil
	}
	c.connRefs--
	if c.connRefs > 0 || !c.openedByContext {
		return nil
	}
	return c.closeConnection()
}

func (c *ObjectContext) closeConnection() error {
	c.openedByContext = false
	err := c.store.Close()
	c.emitConnection(events.ConnectionClosed)
	if err != nil {
		return entrackerrors.NewStoreError("close connection", c.tracker.RedactError(err))
	}
	c.log.Debugf("Closed store connection")
	return nil
}

// withConnection runs fn while holding a connection reference.
func (c *ObjectContext) withConnection(ctx context.Context, fn func() error) (err error) {
	if err := c.EnsureConnection(ctx); err != nil {
		return err
	}
	defer func() {
		if relErr := c.ReleaseConnection(); err == nil {
			err = relErr
		}
	}()
	return fn()
}

// Close tears the context down. The connection is closed if the context
// opened it, and every later operation fails with ResourceDisposed.
func (c *ObjectContext) Close() error {
	if c.disposed {
		return nil
	}
	var err error
	if c.openedByContext {
		err = c.closeConnection()
	}
	c.connRefs = 0
	c.disposed = true
	c.log.Debugf("Context closed with %d tracked entries", c.state.Count(objectstate.AllTracked))
	return err
}

func (c *ObjectContext) emitConnection(t events.EventType) {
	c.bus.Emit(events.Event{
		Type:      t,
		Timestamp: time.Now(),
		Payload:   map[string]interface{}{"refs": c.connRefs},
	})
}
