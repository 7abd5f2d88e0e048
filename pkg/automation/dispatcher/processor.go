package dispatcher

import (
	"context"
	"sync"

	jump "github.com/lithammer/go-jump-consistent-hash"
	"go.uber.org/zap"

	"github.com/lukemcar/crm-service/pkg/automation"
)

const (
	DefaultPartitionCount = 16
	DefaultPartitionDepth = 1024
)

// Processor fans events out over a fixed set of partition workers. The
// partition is derived from tenant and entity id with a jump consistent
// hash, so rapid updates to one entity are dispatched in arrival order.
type Processor struct {
	dispatcher     *Dispatcher
	partitionCount int32
	partitions     []chan *automation.EventContext
	wg             sync.WaitGroup
}

func NewProcessor(d *Dispatcher, opts ...func(*Processor)) *Processor {

	p := &Processor{
		dispatcher:     d,
		partitionCount: DefaultPartitionCount,
	}

	// Apply options
	for _, o := range opts {
		o(p)
	}

	p.partitions = make([]chan *automation.EventContext, p.partitionCount)
	for i := range p.partitions {
		p.partitions[i] = make(chan *automation.EventContext, DefaultPartitionDepth)
	}

	p.run()

	return p
}

func WithPartitionCount(count int32) func(*Processor) {
	return func(p *Processor) {
		p.partitionCount = count
	}
}

func (p *Processor) run() {

	for i := range p.partitions {

		p.wg.Add(1)

		go func(partition int, ch chan *automation.EventContext) {

			defer p.wg.Done()

			for ev := range ch {
				p.handle(partition, ev)
			}
		}(i, p.partitions[i])
	}
}

func (p *Processor) handle(partition int, ev *automation.EventContext) {

	_, err := p.dispatcher.Dispatch(context.Background(), ev)
	if err != nil {
		logger.Error("Failed to dispatch event",
			zap.Int("partition", partition),
			zap.String("tenant", ev.TenantID),
			zap.String("trigger", ev.TriggerEvent),
			zap.Error(err),
		)
	}
}

func (p *Processor) Push(ev *automation.EventContext) {

	partition := jump.HashString(ev.TenantID+"/"+ev.EntityID, p.partitionCount, jump.NewCRC64())

	p.partitions[partition] <- ev
}

func (p *Processor) Stop() {

	for _, ch := range p.partitions {
		close(ch)
	}

	p.wg.Wait()
}
