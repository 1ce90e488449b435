package coordinator

import (
	"context"
	"errors"
	"fmt"

	"rfblinds-go-home/internal/store"
	"rfblinds-go-home/internal/transform"
)

const queueDepth = 16

type job struct {
	ctx  context.Context
	plan transform.Plan
	done chan error
}

// rollingCounter hands out the persisted rolling code of one device.
type rollingCounter struct {
	st store.Store
	id string
}

func (c rollingCounter) Next() (uint16, error) {
	return c.st.NextRollingCode(c.id)
}

// run queues a plan on the device's send queue and waits for it to finish.
// Plans of one device never interleave.
func (dm *DeviceManager) run(ctx context.Context, dev *store.Device, plan transform.Plan) error {
	j := job{ctx: ctx, plan: plan, done: make(chan error, 1)}

	dm.queueMu.RLock()
	if dm.closed {
		dm.queueMu.RUnlock()
		return ErrStopped
	}
	q, ok := dm.queues[dev.ID]
	if !ok {
		dm.queueMu.RUnlock()
		q = dm.startQueue(dev.ID)
		if q == nil {
			return ErrStopped
		}
		dm.queueMu.RLock()
		// The queue may have been closed in between by a removal.
		if cur, ok := dm.queues[dev.ID]; !ok || cur != q {
			dm.queueMu.RUnlock()
			return fmt.Errorf("device %s: %w", dev.ID, store.ErrNotFound)
		}
	}
	select {
	case q <- j:
		dm.queueMu.RUnlock()
	case <-ctx.Done():
		dm.queueMu.RUnlock()
		return ctx.Err()
	case <-dm.coord.ctx.Done():
		dm.queueMu.RUnlock()
		return ErrStopped
	}

	err := <-j.done
	if err != nil {
		dm.logger.Warn("transmit failed", "id", dev.ID, "name", deviceName(dev), "err", err)
		dm.coord.Events().Emit(Event{
			Type: EventTransmitFailed,
			Data: map[string]any{"device_id": dev.ID, "error": err.Error()},
		})
		return err
	}
	dm.coord.Events().Emit(Event{
		Type: EventCommandSent,
		Data: map[string]any{"device_id": dev.ID, "steps": len(plan.Steps)},
	})
	return nil
}

func (dm *DeviceManager) startQueue(id string) chan job {
	dm.queueMu.Lock()
	defer dm.queueMu.Unlock()
	if dm.closed {
		return nil
	}
	if q, ok := dm.queues[id]; ok {
		return q
	}
	q := make(chan job, queueDepth)
	dm.queues[id] = q
	dm.queueWg.Add(1)
	go dm.worker(id, q)
	return q
}

func (dm *DeviceManager) worker(id string, q chan job) {
	defer dm.queueWg.Done()
	counter := rollingCounter{st: dm.coord.Store(), id: id}
	for j := range q {
		j.done <- dm.execute(j, counter)
	}
}

func (dm *DeviceManager) execute(j job, counter transform.Counter) error {
	ctx, cancel := context.WithCancel(j.ctx)
	defer cancel()
	stop := context.AfterFunc(dm.coord.ctx, cancel)
	defer stop()

	err := dm.coord.runner.Run(ctx, j.plan, counter)
	if err != nil && dm.coord.ctx.Err() != nil && errors.Is(err, context.Canceled) {
		return ErrStopped
	}
	return err
}

// Close stops accepting plans and waits for queued ones to finish.
func (dm *DeviceManager) Close() {
	dm.queueMu.Lock()
	if dm.closed {
		dm.queueMu.Unlock()
		return
	}
	dm.closed = true
	for id, q := range dm.queues {
		close(q)
		delete(dm.queues, id)
	}
	dm.queueMu.Unlock()
	dm.queueWg.Wait()
}
