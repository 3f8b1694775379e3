package parent

import (
	"context"
	"log/slog"
	"time"

	"github.com/fxamacker/cbor/v2"

	"go.olrik.dev/lattice/internal/fabric"
)

// proxyModule is the call target for the remote-connect service. Every peer
// running this runtime exposes it to its immediate children and parent.
const proxyModule = "lattice.parent"

// proxyReply is the structured result of a remote connect: either an
// (id, name) pair or a failure message.
type proxyReply struct {
	ID   uint32 `cbor:"id,omitempty"`
	Name string `cbor:"name,omitempty"`
	Msg  string `cbor:"msg,omitempty"`
}

// ProxyConnect asks via to perform the connect locally and synthesises a
// context for the result, named "<via>.<remote>" and routed through the
// intermediary. Remote failures come back as stream-setup errors.
func (r *Router) ProxyConnect(ctx context.Context, via *fabric.Context, method string, opts Options) (*fabric.Context, error) {
	req := fabric.CallRequest{
		Module:   proxyModule,
		Function: "proxy_connect",
		Kwargs: map[string]any{
			"name":        opts.Name,
			"method_name": method,
			"kwargs":      optionsToKwargs(opts),
		},
	}
	data, err := via.Call(ctx, req)
	if err != nil {
		return nil, streamErrorf("proxy connect via %s: %s", via.Name(), err)
	}
	var resp proxyReply
	if err := cbor.Unmarshal(data, &resp); err != nil {
		return nil, streamErrorf("decoding proxy connect reply: %s", err)
	}
	if resp.Msg != "" {
		return nil, streamErrorf("%s", resp.Msg)
	}

	c := r.NewContext(resp.ID)
	c.SetName(via.Name() + "." + resp.Name)
	c.Via = via
	r.RegisterContext(c)
	return c, nil
}

// registerProxyConnectService answers CALL_FUNCTION requests from immediate
// children, currently just the proxy_connect target.
func (r *Router) registerProxyConnectService() {
	r.AddHandler(fabric.HandleCallFunction, r.onCallFunction, true, fabric.IsImmediateChild)
}

func (r *Router) onCallFunction(msg *fabric.Message, via *fabric.Stream) {
	if msg.Dead {
		return
	}
	req, err := fabric.DecodeCallRequest(msg.Data)
	if err != nil {
		slog.Error("undecodable call request", "src", msg.SrcID, "error", err)
		return
	}
	if req.Module == proxyModule && req.Class == "" && req.Function == "proxy_connect" {
		// Connecting blocks on a full handshake; never stall the dispatch
		// path for it.
		go r.serveProxyConnect(msg, req)
		return
	}
	slog.Error("unsupported call target",
		"module", req.Module, "class", req.Class, "function", req.Function, "src", msg.SrcID)
}

func (r *Router) serveProxyConnect(msg *fabric.Message, req fabric.CallRequest) {
	method, _ := req.Kwargs["method_name"].(string)
	opts := optionsFromKwargs(asStringMap(req.Kwargs["kwargs"]))
	opts.Name, _ = req.Kwargs["name"].(string)

	timeout := opts.ConnectTimeout
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	c, err := r.Connect(ctx, method, opts)
	var resp proxyReply
	if err != nil {
		resp.Msg = err.Error()
	} else {
		resp.ID = c.ID
		resp.Name = c.Name()
	}
	data, err := cbor.Marshal(resp)
	if err != nil {
		slog.Error("encoding proxy connect reply", "error", err)
		return
	}
	msg.Reply(data)
}

// optionsToKwargs flattens the serialisable connect options for the wire.
func optionsToKwargs(o Options) map[string]any {
	kw := map[string]any{}
	if o.MaxMessageSize > 0 {
		kw["max_message_size"] = o.MaxMessageSize
	}
	if o.PythonPath != "" {
		kw["python_path"] = o.PythonPath
	}
	if o.ConnectTimeout > 0 {
		kw["connect_timeout"] = o.ConnectTimeout.Seconds()
	}
	if o.RemoteName != "" {
		kw["remote_name"] = o.RemoteName
	}
	if o.Debug {
		kw["debug"] = true
	}
	if o.Profiling {
		kw["profiling"] = true
	}
	if o.LogLevel != "" {
		kw["log_level"] = o.LogLevel
	}
	if o.Password != "" {
		kw["password"] = o.Password
	}
	for k, v := range o.Extra {
		kw[k] = v
	}
	return kw
}

// optionsFromKwargs is the inverse, tolerant of CBOR's numeric decodings.
func optionsFromKwargs(kw map[string]any) Options {
	o := Options{Extra: map[string]string{}}
	for k, v := range kw {
		switch k {
		case "max_message_size":
			o.MaxMessageSize = asInt(v)
		case "python_path":
			o.PythonPath, _ = v.(string)
		case "connect_timeout":
			o.ConnectTimeout = time.Duration(asFloat(v) * float64(time.Second))
		case "remote_name":
			o.RemoteName, _ = v.(string)
		case "debug":
			o.Debug, _ = v.(bool)
		case "profiling":
			o.Profiling, _ = v.(bool)
		case "log_level":
			o.LogLevel, _ = v.(string)
		case "password":
			o.Password, _ = v.(string)
		default:
			if s, ok := v.(string); ok {
				o.Extra[k] = s
			}
		}
	}
	return o
}

func asStringMap(v any) map[string]any {
	switch m := v.(type) {
	case map[string]any:
		return m
	case map[any]any:
		out := make(map[string]any, len(m))
		for k, val := range m {
			if ks, ok := k.(string); ok {
				out[ks] = val
			}
		}
		return out
	}
	return nil
}

func asInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case uint64:
		return int(n)
	case float64:
		return int(n)
	}
	return 0
}

func asFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int64:
		return float64(n)
	case uint64:
		return float64(n)
	case int:
		return float64(n)
	}
	return 0
}
