package transcript

import (
	"sync"

	"hivewatch/internal/domain"
)

// Element is one rendered message.
type Element struct {
	Seq  int
	Role domain.MessageRole
	Text string
}

type Header struct {
	ExecutionID string
	Name        string
	Running     bool
	Iterations  int
}

// Document is an in-memory Renderer. Appends keep earlier elements intact.
type Document struct {
	mu          sync.Mutex
	header      Header
	elements    []*Element
	placeholder string
	err         error
	fullRenders int
}

func (d *Document) RenderFull(log domain.ExecutionLog) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fullRenders++
	d.placeholder = ""
	d.err = nil
	d.header = headerFor(log)
	d.elements = make([]*Element, 0, len(log.Messages))
	for _, m := range log.Messages {
		d.elements = append(d.elements, elementFor(m))
	}
}

func (d *Document) Append(_ domain.ExecutionLog, msgs []domain.Message) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, m := range msgs {
		d.elements = append(d.elements, elementFor(m))
	}
}

func (d *Document) UpdateHeader(log domain.ExecutionLog) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.header = headerFor(log)
}

func (d *Document) RenderWaiting(executionID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.header = Header{ExecutionID: executionID, Running: true}
	d.elements = nil
	d.err = nil
	d.placeholder = "Waiting for the first message..."
}

func (d *Document) RenderError(_ string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.err = err
}

func (d *Document) Elements() []*Element {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*Element(nil), d.elements...)
}

func (d *Document) Header() Header {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.header
}

func (d *Document) Placeholder() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.placeholder
}

func (d *Document) Err() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.err
}

func (d *Document) FullRenders() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.fullRenders
}

func headerFor(log domain.ExecutionLog) Header {
	return Header{
		ExecutionID: log.ExecutionID,
		Name:        log.Name,
		Running:     log.IsRunning(),
		Iterations:  log.TotalIterations,
	}
}

func elementFor(m domain.Message) *Element {
	return &Element{Seq: m.Seq, Role: m.Role, Text: m.Content}
}
