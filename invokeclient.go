package hublink

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// invokeClient is the registry of pending invocations. Every invocation id
// maps to a result/error channel pair which is resolved exactly once: by a
// completion from the server, by a send failure or by connection close.
// Stream invocations keep their result channel open for multiple items until
// their completion arrives.
type invokeClient struct {
	mx                 sync.Mutex
	resultChans        map[string]invocationResultChans
	protocol           HubProtocol
	chanReceiveTimeout time.Duration
	streamBufferCap    uint
}

func newInvokeClient(protocol HubProtocol, chanReceiveTimeout time.Duration, streamBufferCap uint) *invokeClient {
	return &invokeClient{
		resultChans:        make(map[string]invocationResultChans),
		protocol:           protocol,
		chanReceiveTimeout: chanReceiveTimeout,
		streamBufferCap:    streamBufferCap,
	}
}

type invocationResultChans struct {
	resultChan chan interface{}
	errChan    chan error
	done       chan struct{}
	streaming  bool
}

func (i *invokeClient) newInvocation(id string) (chan interface{}, chan error) {
	i.mx.Lock()
	r := invocationResultChans{
		resultChan: make(chan interface{}, 1),
		errChan:    make(chan error, 1),
		done:       make(chan struct{}),
	}
	i.resultChans[id] = r
	i.mx.Unlock()
	return r.resultChan, r.errChan
}

func (i *invokeClient) newStreamInvocation(id string) (chan interface{}, chan error) {
	i.mx.Lock()
	r := invocationResultChans{
		resultChan: make(chan interface{}, i.streamBufferCap),
		errChan:    make(chan error, 1),
		done:       make(chan struct{}),
		streaming:  true,
	}
	i.resultChans[id] = r
	i.mx.Unlock()
	return r.resultChan, r.errChan
}

// invocationDone returns a channel that is closed when the invocation leaves
// the registry, for whatever reason.
func (i *invokeClient) invocationDone(id string) <-chan struct{} {
	i.mx.Lock()
	defer i.mx.Unlock()
	if r, ok := i.resultChans[id]; ok {
		return r.done
	}
	closed := make(chan struct{})
	close(closed)
	return closed
}

func (i *invokeClient) deleteInvocation(id string) {
	i.mx.Lock()
	if r, ok := i.resultChans[id]; ok {
		delete(i.resultChans, id)
		close(r.resultChan)
		close(r.errChan)
		close(r.done)
	}
	i.mx.Unlock()
}

// cancelAllInvokes errors every pending invocation with err and clears the
// registry. Used on connection close.
func (i *invokeClient) cancelAllInvokes(err error) {
	i.mx.Lock()
	for _, r := range i.resultChans {
		close(r.resultChan)
		close(r.done)
		go func(errChan chan error) {
			errChan <- &InvocationCanceledError{Cause: err}
			close(errChan)
		}(r.errChan)
	}
	// Clear map
	i.resultChans = make(map[string]invocationResultChans)
	i.mx.Unlock()
}

func (i *invokeClient) handlesInvocationID(invocationID string) bool {
	i.mx.Lock()
	_, ok := i.resultChans[invocationID]
	i.mx.Unlock()
	return ok
}

// receiveStreamItem pushes one stream item into the sink of its invocation.
// A stream item for a plain invocation fails that invocation.
func (i *invokeClient) receiveStreamItem(streamItem streamItemMessage) error {
	i.mx.Lock()
	ir, ok := i.resultChans[streamItem.InvocationID]
	i.mx.Unlock()
	if !ok {
		return fmt.Errorf(`unknown stream id "%v"`, streamItem.InvocationID)
	}
	if !ir.streaming {
		defer i.deleteInvocation(streamItem.InvocationID)
		return i.sendTimed(ir.errChan, fmt.Errorf("stream item received for non streaming invocation %v", streamItem.InvocationID), "error")
	}
	var item interface{}
	if streamItem.Item != nil {
		if err := i.protocol.UnmarshalArgument(streamItem.Item, &item); err != nil {
			return err
		}
	}
	return i.sendTimed(ir.resultChan, item, "stream item")
}

// receiveCompletionItem resolves the invocation named by the completion.
// Completions remove the registry entry in every case.
func (i *invokeClient) receiveCompletionItem(completion completionMessage) error {
	defer i.deleteInvocation(completion.InvocationID)
	i.mx.Lock()
	ir, ok := i.resultChans[completion.InvocationID]
	i.mx.Unlock()
	if !ok {
		return fmt.Errorf(`unknown completion id "%v"`, completion.InvocationID)
	}
	if completion.Error != "" {
		return i.sendTimed(ir.errChan, errors.New(completion.Error), "error")
	}
	if completion.Result != nil {
		var result interface{}
		if err := i.protocol.UnmarshalArgument(completion.Result, &result); err != nil {
			return err
		}
		return i.sendTimed(ir.resultChan, result, "result")
	}
	return nil
}

// sendTimed pushes value into ch but gives up when the consumer does not
// read it within the receive timeout.
func (i *invokeClient) sendTimed(ch interface{}, value interface{}, kind string) error {
	done := make(chan error, 1)
	go func() {
		defer func() {
			// the registry entry might get closed while we block
			if r := recover(); r != nil {
				done <- fmt.Errorf("%v", r)
			}
		}()
		switch ch := ch.(type) {
		case chan interface{}:
			ch <- value
		case chan error:
			ch <- value.(error)
		}
		done <- nil
	}()
	select {
	case err := <-done:
		return err
	case <-time.After(i.chanReceiveTimeout):
		return &hubChanTimeoutError{fmt.Sprintf("timeout (%v) waiting for the consumer to receive the %s", i.chanReceiveTimeout, kind)}
	}
}

type hubChanTimeoutError struct {
	msg string
}

func (h *hubChanTimeoutError) Error() string {
	return h.msg
}
