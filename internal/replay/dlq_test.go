package replay

import (
	"context"
	"errors"
	"fmt"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAcknowledger struct {
	events *[]string
	acked  []uint64
	nacked []uint64
	// requeue flags per nack, in order.
	requeues []bool
}

func (a *fakeAcknowledger) Ack(tag uint64, _ bool) error {
	*a.events = append(*a.events, fmt.Sprintf("ack %d", tag))
	a.acked = append(a.acked, tag)
	return nil
}

func (a *fakeAcknowledger) Nack(tag uint64, _ bool, requeue bool) error {
	*a.events = append(*a.events, fmt.Sprintf("nack %d", tag))
	a.nacked = append(a.nacked, tag)
	a.requeues = append(a.requeues, requeue)
	return nil
}

func (a *fakeAcknowledger) Reject(tag uint64, _ bool) error {
	a.nacked = append(a.nacked, tag)
	return nil
}

type fakeConfirm struct {
	events *[]string
	acked  bool
}

func (c fakeConfirm) Wait() bool {
	*c.events = append(*c.events, "confirm")
	return c.acked
}

type fakeDrainChannel struct {
	events    []string
	queue     []amqp.Delivery
	published []amqp.Publishing

	// publishErrAfter fails the publish once that many have succeeded;
	// negative means never fail.
	publishErrAfter int
	unconfirmed     bool
}

func (f *fakeDrainChannel) Get(_ string, _ bool) (amqp.Delivery, bool, error) {
	if len(f.queue) == 0 {
		return amqp.Delivery{}, false, nil
	}
	d := f.queue[0]
	f.queue = f.queue[1:]
	return d, true, nil
}

func (f *fakeDrainChannel) PublishWithConfirm(_ context.Context, _, _ string, msg amqp.Publishing) (publishConfirm, error) {
	if f.publishErrAfter >= 0 && len(f.published) >= f.publishErrAfter {
		return nil, errors.New("channel closed")
	}
	f.events = append(f.events, "publish")
	f.published = append(f.published, msg)
	return fakeConfirm{events: &f.events, acked: !f.unconfirmed}, nil
}

func newDrainFixture(deliveries int) (*DLQDrainer, *fakeDrainChannel, *fakeAcknowledger) {
	d := NewDLQDrainer("amqp://localhost", "ws.dlx", "ws.dlq", zerolog.Nop())
	ch := &fakeDrainChannel{publishErrAfter: -1}
	ack := &fakeAcknowledger{events: &ch.events}
	for i := 1; i <= deliveries; i++ {
		ch.queue = append(ch.queue, amqp.Delivery{
			Acknowledger: ack,
			DeliveryTag:  uint64(i),
			ContentType:  "application/json",
			Headers:      amqp.Table{"x-origin": "ws.events"},
			Body:         []byte(fmt.Sprintf(`{"seq":%d}`, i)),
		})
	}
	return d, ch, ack
}

func TestDrainLoopReplaysUntilQueueEmpty(t *testing.T) {
	d, ch, ack := newDrainFixture(3)

	replayed, err := d.drainLoop(context.Background(), ch, "ws.events", "events", 10)
	require.NoError(t, err)
	assert.Equal(t, int64(3), replayed)
	assert.Empty(t, ch.queue)

	require.Len(t, ch.published, 3)
	for i, msg := range ch.published {
		assert.Equal(t, true, msg.Headers["replayed"])
		assert.Equal(t, "ws.events", msg.Headers["x-origin"])
		assert.Equal(t, "application/json", msg.ContentType)
		assert.JSONEq(t, fmt.Sprintf(`{"seq":%d}`, i+1), string(msg.Body))
	}
	assert.Equal(t, []uint64{1, 2, 3}, ack.acked)
	assert.Empty(t, ack.nacked)
}

func TestDrainLoopAcksOnlyAfterConfirm(t *testing.T) {
	d, ch, _ := newDrainFixture(2)

	_, err := d.drainLoop(context.Background(), ch, "ws.events", "events", 10)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"publish", "confirm", "ack 1",
		"publish", "confirm", "ack 2",
	}, ch.events)
}

func TestDrainLoopDoesNotMutateOriginalHeaders(t *testing.T) {
	d, ch, _ := newDrainFixture(1)
	original := ch.queue[0].Headers

	_, err := d.drainLoop(context.Background(), ch, "ws.events", "events", 10)
	require.NoError(t, err)
	assert.NotContains(t, original, "replayed")
}

func TestDrainLoopHonorsLimit(t *testing.T) {
	d, ch, ack := newDrainFixture(5)

	replayed, err := d.drainLoop(context.Background(), ch, "ws.events", "events", 2)
	require.NoError(t, err)
	assert.Equal(t, int64(2), replayed)
	assert.Len(t, ch.queue, 3)
	assert.Equal(t, []uint64{1, 2}, ack.acked)
}

func TestDrainLoopStopsAndNacksOnPublishFailure(t *testing.T) {
	d, ch, ack := newDrainFixture(3)
	ch.publishErrAfter = 1

	replayed, err := d.drainLoop(context.Background(), ch, "ws.events", "events", 10)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "republish")
	assert.Equal(t, int64(1), replayed)

	// The failed delivery goes back with requeue; the rest stay queued.
	assert.Equal(t, []uint64{1}, ack.acked)
	assert.Equal(t, []uint64{2}, ack.nacked)
	assert.Equal(t, []bool{true}, ack.requeues)
	assert.Len(t, ch.queue, 1)
}

func TestDrainLoopNacksUnconfirmedPublish(t *testing.T) {
	d, ch, ack := newDrainFixture(1)
	ch.unconfirmed = true

	replayed, err := d.drainLoop(context.Background(), ch, "ws.events", "events", 10)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not confirmed")
	assert.Equal(t, int64(0), replayed)
	assert.Equal(t, []uint64{1}, ack.nacked)
	assert.Equal(t, []bool{true}, ack.requeues)
}
