package echobackend

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/dop251/goja"
	"github.com/dop251/goja_nodejs/console"
	"github.com/dop251/goja_nodejs/require"
	"github.com/pkg/errors"

	"github.com/go-go-golems/widgetchat/pkg/widgetchat"
)

// ScriptResponder answers with a JavaScript function:
//
//	function respond(query, history) { return "text" or ["chunk", "chunk"] }
//
// history is an array of {role, content}. A string reply is streamed one word per chunk.
// The runtime is not safe for concurrent use, so calls are serialized.
type ScriptResponder struct {
	mu      sync.Mutex
	vm      *goja.Runtime
	respond goja.Callable
}

func LoadScriptResponder(path string) (*ScriptResponder, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read responder script")
	}
	return NewScriptResponder(path, string(src))
}

func NewScriptResponder(name, source string) (*ScriptResponder, error) {
	vm := goja.New()
	vm.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))
	require.NewRegistry().Enable(vm)
	console.Enable(vm)

	if _, err := vm.RunScript(name, source); err != nil {
		return nil, errors.Wrapf(err, "run responder script %s", name)
	}
	fn, ok := goja.AssertFunction(vm.Get("respond"))
	if !ok {
		return nil, errors.Errorf("responder script %s must define respond(query, history)", name)
	}
	return &ScriptResponder{vm: vm, respond: fn}, nil
}

// Respond matches the Responder signature.
func (r *ScriptResponder) Respond(ctx context.Context, query string, history []widgetchat.HistoryTurn) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	stop := context.AfterFunc(ctx, func() { r.vm.Interrupt(ctx.Err()) })
	defer func() {
		stop()
		r.vm.ClearInterrupt()
	}()

	turns := make([]interface{}, 0, len(history))
	for _, h := range history {
		turns = append(turns, map[string]interface{}{"role": h.Role, "content": h.Content})
	}
	res, err := r.respond(goja.Undefined(), r.vm.ToValue(query), r.vm.ToValue(turns))
	if err != nil {
		return nil, errors.Wrap(err, "respond")
	}
	if goja.IsUndefined(res) || goja.IsNull(res) {
		return nil, errors.New("respond returned nothing")
	}
	switch v := res.Export().(type) {
	case string:
		return splitWords(v), nil
	case []interface{}:
		chunks := make([]string, 0, len(v))
		for _, c := range v {
			chunks = append(chunks, fmt.Sprint(c))
		}
		return chunks, nil
	default:
		return splitWords(res.String()), nil
	}
}
