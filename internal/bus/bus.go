// Package bus carries corner actuator commands and status over SocketCAN.
package bus

import (
	"context"
	"sync"
	"time"

	"github.com/go-daq/canbus"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.viam.com/rdk/logging"
	viamutils "go.viam.com/utils"
	"golang.org/x/sys/unix"
)

// publishPeriod is how often every retained command is re-sent. Actuators
// fall back to neutral when their command stops arriving.
const publishPeriod = 10 * time.Millisecond

// ErrClosed is returned when sending on a closed bus.
var ErrClosed = errors.New("bus is closed")

type frameSender interface {
	Send(msg canbus.Frame) (int, error)
	Close() error
}

type frameReceiver interface {
	Recv() (canbus.Frame, error)
	Close() error
}

type received struct {
	frame canbus.Frame
	at    time.Time
}

// Bus owns one transmit and one receive socket. Commands handed to Send are
// retained per ID and re-published every publishPeriod; the latest status
// frame of every ID is kept for polling.
type Bus struct {
	logger logging.Logger
	tx     frameSender
	rx     frameReceiver
	now    func() time.Time

	commandCh chan canbus.Frame

	mu     sync.RWMutex
	latest map[uint32]received

	ctx                     context.Context
	cancel                  func()
	activeBackgroundWorkers sync.WaitGroup
	closeOnce               sync.Once
}

// Open binds two sockets to channel and starts the publish and receive
// threads. Only frames whose IDs are in statusIDs are received.
func Open(channel string, statusIDs []uint32, logger logging.Logger) (*Bus, error) {
	socketSend, err := canbus.New()
	if err != nil {
		return nil, errors.Wrap(err, "creating send socket")
	}
	if err := socketSend.Bind(channel); err != nil {
		return nil, multierr.Combine(errors.Wrapf(err, "binding send socket to %s", channel), socketSend.Close())
	}

	socketRecv, err := canbus.New()
	if err != nil {
		return nil, multierr.Combine(errors.Wrap(err, "creating receive socket"), socketSend.Close())
	}
	filters := make([]unix.CanFilter, 0, len(statusIDs))
	for _, id := range statusIDs {
		filters = append(filters, unix.CanFilter{Id: id, Mask: unix.CAN_SFF_MASK})
	}
	if err := socketRecv.SetFilters(filters); err != nil {
		return nil, multierr.Combine(errors.Wrap(err, "setting receive filters"), socketSend.Close(), socketRecv.Close())
	}
	if err := socketRecv.Bind(channel); err != nil {
		return nil, multierr.Combine(
			errors.Wrapf(err, "binding receive socket to %s", channel), socketSend.Close(), socketRecv.Close())
	}

	logger.Infow("CAN bus open", "channel", channel, "status_ids", len(statusIDs))
	return newBus(socketSend, socketRecv, time.Now, logger), nil
}

func newBus(tx frameSender, rx frameReceiver, now func() time.Time, logger logging.Logger) *Bus {
	ctx, cancel := context.WithCancel(context.Background())
	b := &Bus{
		logger:    logger,
		tx:        tx,
		rx:        rx,
		now:       now,
		commandCh: make(chan canbus.Frame),
		latest:    map[uint32]received{},
		ctx:       ctx,
		cancel:    cancel,
	}

	b.activeBackgroundWorkers.Add(2)
	viamutils.ManagedGo(b.publishThread, b.activeBackgroundWorkers.Done)
	viamutils.ManagedGo(b.receiveThread, b.activeBackgroundWorkers.Done)
	return b
}

// Send hands a command frame to the publish thread. It is sent at once and
// then re-sent every publishPeriod until replaced by a frame with the same ID.
func (b *Bus) Send(frame canbus.Frame) error {
	select {
	case <-b.ctx.Done():
		return ErrClosed
	case b.commandCh <- frame:
		return nil
	}
}

// Latest returns the most recent frame received with the given ID and the
// time it arrived.
func (b *Bus) Latest(id uint32) (canbus.Frame, time.Time, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	r, ok := b.latest[id]
	return r.frame, r.at, ok
}

// Close stops both threads and closes the sockets.
func (b *Bus) Close() error {
	var err error
	b.closeOnce.Do(func() {
		b.cancel()
		// Closing the receive socket unblocks Recv.
		err = b.rx.Close()
		b.activeBackgroundWorkers.Wait()
		err = multierr.Combine(err, b.tx.Close())
	})
	return err
}

// publishThread continuously re-sends the retained commands over the bus.
func (b *Bus) publishThread() {
	retained := map[uint32]canbus.Frame{}
	var order []uint32

	ticker := time.NewTicker(publishPeriod)
	defer ticker.Stop()

	sendFailing := false
	send := func(frame canbus.Frame) {
		_, err := b.tx.Send(frame)
		switch {
		case err != nil && !sendFailing:
			sendFailing = true
			b.logger.Errorw("CAN Tx error", "id", frame.ID, "error", err)
		case err == nil && sendFailing:
			sendFailing = false
			b.logger.Infow("CAN Tx recovered")
		}
	}

	for {
		select {
		case <-b.ctx.Done():
			return
		case frame := <-b.commandCh:
			if _, ok := retained[frame.ID]; !ok {
				order = append(order, frame.ID)
			}
			retained[frame.ID] = frame
			send(frame)
		case <-ticker.C:
			for _, id := range order {
				send(retained[id])
			}
		}
	}
}

// receiveThread receives canbus frames and stores the latest one per ID.
func (b *Bus) receiveThread() {
	recvFailing := false
	for {
		if b.ctx.Err() != nil {
			return
		}

		frame, err := b.rx.Recv()
		if err != nil {
			if b.ctx.Err() != nil {
				return
			}
			if !recvFailing {
				recvFailing = true
				b.logger.Errorw("CAN Rx error", "error", err)
			}
			// Recv errors on a downed interface return at once; avoid spinning.
			viamutils.SelectContextOrWait(b.ctx, publishPeriod)
			continue
		}
		if recvFailing {
			recvFailing = false
			b.logger.Infow("CAN Rx recovered")
		}

		b.mu.Lock()
		b.latest[frame.ID] = received{frame: frame, at: b.now()}
		b.mu.Unlock()
	}
}
