package memory

import (
	"sync"

	"github.com/dvloznov/fraud-monitor/internal/pipeline"
)

type message struct {
	broker *Broker
	id     string
	data   []byte
	attrs  map[string]string

	mu         sync.Mutex
	deliveries int
}

func (m *message) deliver() *delivery {
	m.mu.Lock()
	m.deliveries++
	m.mu.Unlock()
	return &delivery{msg: m}
}

func (m *message) attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deliveries
}

// delivery is one attempt at a message. Only the first Ack or Nack counts.
type delivery struct {
	msg  *message
	once sync.Once
}

func (d *delivery) ID() string                    { return d.msg.id }
func (d *delivery) Data() []byte                  { return d.msg.data }
func (d *delivery) Attributes() map[string]string { return d.msg.attrs }

func (d *delivery) Ack() {
	d.once.Do(func() { d.msg.broker.settle(d.msg, true) })
}

func (d *delivery) Nack() {
	d.once.Do(func() { d.msg.broker.settle(d.msg, false) })
}

var _ pipeline.Message = (*delivery)(nil)
