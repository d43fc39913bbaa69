package hublink

import (
	"reflect"
)

// extractStreamArgs splits the argument list of a user operation into the
// wire arguments and the channel arguments that become client to server
// streams. Channels are collected in one pass, the wire argument list is
// built fresh instead of being edited in place.
func extractStreamArgs(args []interface{}) (wireArgs []interface{}, channels []reflect.Value) {
	wireArgs = make([]interface{}, 0, len(args))
	for _, arg := range args {
		if v := reflect.ValueOf(arg); v.Kind() == reflect.Chan && v.Type().ChanDir() != reflect.SendDir {
			channels = append(channels, v)
		} else {
			wireArgs = append(wireArgs, arg)
		}
	}
	return wireArgs, channels
}

// runUpStreams pumps the channel arguments of one invocation to the server.
// A single goroutine selects over all channels of the invocation, so stream
// items of one invocation are never reordered relative to each other and a
// stream's completion is sent strictly after its items.
func (c *conn) runUpStreams(streamIDs []string, channels []reflect.Value) {
	if len(channels) == 0 {
		return
	}
	go func() {
		ids := append([]string{}, streamIDs...)
		cases := make([]reflect.SelectCase, 0, len(channels)+1)
		for _, ch := range channels {
			cases = append(cases, reflect.SelectCase{Dir: reflect.SelectRecv, Chan: ch})
		}
		// the last case ends the pump when the connection context ends
		cases = append(cases, reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(c.ctx.Done())})
		for len(cases) > 1 {
			chosen, value, ok := reflect.Select(cases)
			if chosen == len(cases)-1 {
				return
			}
			if !ok {
				// source stream ended, complete it on the wire
				if err := c.sendMessage(c.ctx, completionMessage{Type: messageTypeCompletion, InvocationID: ids[chosen]}); err != nil {
					_ = c.info.Log(evt, msgSend, msg, "completion", "error", err)
					return
				}
				cases = append(cases[:chosen], cases[chosen+1:]...)
				ids = append(ids[:chosen], ids[chosen+1:]...)
				continue
			}
			if err := c.sendMessage(c.ctx, streamItemMessage{
				Type:         messageTypeStreamItem,
				InvocationID: ids[chosen],
				Item:         value.Interface(),
			}); err != nil {
				_ = c.info.Log(evt, msgSend, msg, "stream item", "error", err)
				return
			}
		}
	}()
}
