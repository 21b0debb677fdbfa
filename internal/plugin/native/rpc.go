package native

import (
	"context"
	"errors"
	"fmt"
	"net/rpc"

	goplugin "github.com/hashicorp/go-plugin"
)

// ErrUnsupported is returned by the server when the guest lacks the
// interface a call needs.
var ErrUnsupported = errors.New("capability not supported by plugin")

// TranslateArgs carries a translation request.
type TranslateArgs struct {
	Text, From, To string
}

// SpeakArgs carries a speech request.
type SpeakArgs struct {
	Text, Voice string
}

// InvokeArgs carries a feature action.
type InvokeArgs struct {
	Action string
	Args   map[string]any
}

// InvokeReply carries a feature result.
type InvokeReply struct {
	Value any
}

// guestRPC is the host side of the connection.
type guestRPC struct {
	client *rpc.Client
}

// call runs a remote method, abandoning the wait when ctx is done. net/rpc
// has no cancellation; the reply of an abandoned call is discarded.
func (g *guestRPC) call(ctx context.Context, method string, args, reply any) error {
	c := g.client.Go("Plugin."+method, args, reply, make(chan *rpc.Call, 1))
	select {
	case <-c.Done:
		if c.Error != nil {
			return fmt.Errorf("%s: %w", method, c.Error)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%s: %w", method, ctx.Err())
	}
}

func (g *guestRPC) Initialize(ctx context.Context, req InitRequest) error {
	var ack bool
	return g.call(ctx, "Initialize", req, &ack)
}

func (g *guestRPC) Cleanup(ctx context.Context) error {
	var ack bool
	return g.call(ctx, "Cleanup", new(any), &ack)
}

func (g *guestRPC) Capabilities(ctx context.Context) ([]string, error) {
	var caps []string
	err := g.call(ctx, "Capabilities", new(any), &caps)
	return caps, err
}

func (g *guestRPC) Colors(ctx context.Context) (map[string]string, error) {
	var colors map[string]string
	err := g.call(ctx, "Colors", new(any), &colors)
	return colors, err
}

func (g *guestRPC) Translate(ctx context.Context, text, from, to string) (string, error) {
	var out string
	err := g.call(ctx, "Translate", TranslateArgs{Text: text, From: from, To: to}, &out)
	return out, err
}

func (g *guestRPC) Speak(ctx context.Context, text, voice string) error {
	var ack bool
	return g.call(ctx, "Speak", SpeakArgs{Text: text, Voice: voice}, &ack)
}

func (g *guestRPC) Invoke(ctx context.Context, action string, args map[string]any) (any, error) {
	var reply InvokeReply
	if err := g.call(ctx, "Invoke", InvokeArgs{Action: action, Args: args}, &reply); err != nil {
		return nil, err
	}
	return reply.Value, nil
}

// guestRPCServer is the plugin side of the connection.
type guestRPCServer struct {
	Impl Guest
}

func (s *guestRPCServer) Initialize(req InitRequest, ack *bool) error {
	err := s.Impl.Initialize(req)
	*ack = err == nil
	return err
}

func (s *guestRPCServer) Cleanup(_ any, ack *bool) error {
	err := s.Impl.Cleanup()
	*ack = err == nil
	return err
}

func (s *guestRPCServer) Capabilities(_ any, caps *[]string) error {
	*caps = capabilitiesOf(s.Impl)
	return nil
}

func (s *guestRPCServer) Colors(_ any, colors *map[string]string) error {
	t, ok := s.Impl.(ThemeGuest)
	if !ok {
		return ErrUnsupported
	}
	c, err := t.Colors()
	if err != nil {
		return err
	}
	*colors = c
	return nil
}

func (s *guestRPCServer) Translate(args TranslateArgs, out *string) error {
	t, ok := s.Impl.(TranslatorGuest)
	if !ok {
		return ErrUnsupported
	}
	text, err := t.Translate(args.Text, args.From, args.To)
	if err != nil {
		return err
	}
	*out = text
	return nil
}

func (s *guestRPCServer) Speak(args SpeakArgs, ack *bool) error {
	sp, ok := s.Impl.(SpeakerGuest)
	if !ok {
		return ErrUnsupported
	}
	err := sp.Speak(args.Text, args.Voice)
	*ack = err == nil
	return err
}

func (s *guestRPCServer) Invoke(args InvokeArgs, reply *InvokeReply) error {
	f, ok := s.Impl.(FeatureGuest)
	if !ok {
		return ErrUnsupported
	}
	v, err := f.Invoke(args.Action, args.Args)
	if err != nil {
		return err
	}
	reply.Value = v
	return nil
}

// guestPlugin binds the RPC pair into go-plugin.
type guestPlugin struct {
	Impl Guest
}

func (p *guestPlugin) Server(*goplugin.MuxBroker) (interface{}, error) {
	return &guestRPCServer{Impl: p.Impl}, nil
}

func (p *guestPlugin) Client(_ *goplugin.MuxBroker, c *rpc.Client) (interface{}, error) {
	return &guestRPC{client: c}, nil
}
