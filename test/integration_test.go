package test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc/codes"

	"proto-rpc/client"
	"proto-rpc/codec"
	"proto-rpc/config"
	"proto-rpc/metadata"
	"proto-rpc/middleware"
	"proto-rpc/protocol"
	"proto-rpc/schema"
	"proto-rpc/server"
	"proto-rpc/status"
	"proto-rpc/transport"
)

// ---- test service ----

var (
	argsDesc = schema.NewBuilder("Args").
			Field(schema.Field{Number: 1, Name: "a", Kind: schema.KindInt64}).
			Field(schema.Field{Number: 2, Name: "b", Kind: schema.KindInt64}).
			Field(schema.Field{Number: 3, Name: "note", Kind: schema.KindString}).
			MustBuild()
	replyDesc = schema.NewBuilder("Reply").
			Field(schema.Field{Number: 1, Name: "result", Kind: schema.KindInt64}).
			Field(schema.Field{Number: 2, Name: "note", Kind: schema.KindString}).
			MustBuild()
)

func args(a, b int64) *codec.Message {
	m := codec.New(argsDesc)
	m.Set(1, a)
	m.Set(2, b)
	return m
}

func newArithServer(t *testing.T) *server.Server {
	t.Helper()
	svr := server.NewServer(server.Options{Logger: zerolog.Nop()})

	svr.RegisterUnary(mdesc("Arith/Add"), func(ctx context.Context, req *codec.Message) (*codec.Message, error) {
		reply := codec.New(replyDesc)
		reply.Set(1, req.Int64(1)+req.Int64(2))
		if md, ok := metadata.FromIncomingContext(ctx); ok {
			if v, found := md.Get("trace-id"); found {
				reply.Set(2, "trace:"+v)
			}
		}
		return reply, nil
	})

	svr.RegisterUnary(mdesc("Arith/Slow"), func(ctx context.Context, req *codec.Message) (*codec.Message, error) {
		select {
		case <-time.After(200 * time.Millisecond):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		reply := codec.New(replyDesc)
		reply.Set(1, int64(0))
		return reply, nil
	})

	svr.RegisterUnary(mdesc("Arith/Panic"), func(ctx context.Context, req *codec.Message) (*codec.Message, error) {
		panic("division by zero")
	})

	svr.RegisterServerStream(mdescServer("Arith/Range"), func(ctx context.Context, req *codec.Message, stream *server.Stream) error {
		for i := req.Int64(1); i <= req.Int64(2); i++ {
			reply := codec.New(replyDesc)
			reply.Set(1, i)
			if err := stream.Send(reply); err != nil {
				return err
			}
		}
		return nil
	})

	svr.RegisterClientStream(mdescClient("Arith/Sum"), func(ctx context.Context, stream *server.Stream) (*codec.Message, error) {
		var total int64
		for {
			req, err := stream.Recv()
			if err == io.EOF {
				break
			}
			if err != nil {
				return nil, err
			}
			total += req.Int64(1)
		}
		reply := codec.New(replyDesc)
		reply.Set(1, total)
		return reply, nil
	})

	svr.RegisterBidi(mdescBidi("Arith/Double"), func(ctx context.Context, stream *server.Stream) error {
		for {
			req, err := stream.Recv()
			if err == io.EOF {
				return nil
			}
			if err != nil {
				return err
			}
			reply := codec.New(replyDesc)
			reply.Set(1, req.Int64(1)*2)
			if err := stream.Send(reply); err != nil {
				return err
			}
		}
	})

	return svr
}

func mdesc(name string) server.MethodDesc {
	return server.MethodDesc{Name: name, Request: argsDesc, Response: replyDesc}
}
func mdescServer(name string) server.MethodDesc { return mdesc(name) }
func mdescClient(name string) server.MethodDesc { return mdesc(name) }
func mdescBidi(name string) server.MethodDesc   { return mdesc(name) }

var stubMethods = []client.MethodDesc{
	{Name: "Arith/Add", Shape: protocol.Unary, Request: argsDesc, Response: replyDesc},
	{Name: "Arith/Slow", Shape: protocol.Unary, Request: argsDesc, Response: replyDesc},
	{Name: "Arith/Panic", Shape: protocol.Unary, Request: argsDesc, Response: replyDesc},
	{Name: "Arith/Range", Shape: protocol.ServerStream, Request: argsDesc, Response: replyDesc},
	{Name: "Arith/Sum", Shape: protocol.ClientStream, Request: argsDesc, Response: replyDesc},
	{Name: "Arith/Double", Shape: protocol.BidiStream, Request: argsDesc, Response: replyDesc},
}

// serve starts svr on an ephemeral port and blocks until it is accepting.
func serve(t *testing.T, svr *server.Server) string {
	t.Helper()
	go svr.Serve("tcp", "127.0.0.1:0")
	for i := 0; svr.Addr() == nil; i++ {
		if i > 100 {
			t.Fatal("server never started listening")
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Cleanup(func() { svr.Shutdown(time.Second) })
	return svr.Addr().String()
}

func dial(t *testing.T, addr string) *client.Stub {
	t.Helper()
	conn, err := client.Dial(context.Background(), "tcp", addr, transport.Options{})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return client.NewStub(conn, stubMethods)
}

// TestFullPipeline drives every call shape over one real TCP connection.
func TestFullPipeline(t *testing.T) {
	// 1. Server with the standard middleware stack.
	svr := newArithServer(t)
	svr.Use(middleware.Logging(zerolog.Nop()))
	svr.Use(middleware.Recovery(zerolog.Nop()))
	addr := serve(t, svr)

	// 2. One connection, one stub.
	stub := dial(t, addr)

	// 3. Unary.
	reply, err := stub.Invoke(context.Background(), "Arith/Add", args(3, 5))
	if err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if reply.Int64(1) != 8 {
		t.Fatalf("Add: expect 8, got %d", reply.Int64(1))
	}

	// 4. Server streaming.
	rs, err := stub.ServerStream(context.Background(), "Arith/Range", args(1, 4))
	if err != nil {
		t.Fatal(err)
	}
	var want int64 = 1
	for {
		reply, err := rs.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("Range recv: %v", err)
		}
		if reply.Int64(1) != want {
			t.Fatalf("Range: expect %d, got %d", want, reply.Int64(1))
		}
		want++
	}
	if want != 5 {
		t.Fatalf("Range delivered %d values, expect 4", want-1)
	}

	// 5. Client streaming.
	ss, err := stub.ClientStream(context.Background(), "Arith/Sum")
	if err != nil {
		t.Fatal(err)
	}
	for _, n := range []int64{1, 2, 3, 4} {
		if err := ss.Send(args(n, 0)); err != nil {
			t.Fatalf("Sum send: %v", err)
		}
	}
	reply, err = ss.CloseAndRecv()
	if err != nil {
		t.Fatalf("Sum failed: %v", err)
	}
	if reply.Int64(1) != 10 {
		t.Fatalf("Sum: expect 10, got %d", reply.Int64(1))
	}

	// 6. Bidirectional.
	bs, err := stub.Bidi(context.Background(), "Arith/Double")
	if err != nil {
		t.Fatal(err)
	}
	for _, n := range []int64{7, 9} {
		if err := bs.Send(args(n, 0)); err != nil {
			t.Fatal(err)
		}
		reply, err := bs.Recv()
		if err != nil {
			t.Fatal(err)
		}
		if reply.Int64(1) != n*2 {
			t.Fatalf("Double: expect %d, got %d", n*2, reply.Int64(1))
		}
	}
	bs.CloseSend()
	if _, err := bs.Recv(); err != io.EOF {
		t.Fatalf("Double: expect io.EOF after close, got %v", err)
	}

	t.Log("full pipeline test passed")
}

func TestMetadataRoundTrip(t *testing.T) {
	svr := newArithServer(t)
	stub := dial(t, serve(t, svr))

	ctx := metadata.NewOutgoingContext(context.Background(),
		metadata.Pairs("trace-id", "t-42"))
	reply, err := stub.Invoke(ctx, "Arith/Add", args(1, 1))
	if err != nil {
		t.Fatal(err)
	}
	if reply.String(2) != "trace:t-42" {
		t.Fatalf("metadata did not reach the handler: %q", reply.String(2))
	}
}

func TestDeadlineExceeded(t *testing.T) {
	svr := newArithServer(t)
	stub := dial(t, serve(t, svr))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := stub.Invoke(ctx, "Arith/Slow", args(0, 0))
	elapsed := time.Since(start)

	var st *status.Status
	if !errors.As(err, &st) || st.Code != codes.DeadlineExceeded {
		t.Fatalf("expect DeadlineExceeded, got %v", err)
	}
	// The caller must unblock near its own deadline, not the handler's pace.
	if elapsed > 150*time.Millisecond {
		t.Fatalf("caller blocked %v past a 50ms deadline", elapsed)
	}
}

func TestPanicBecomesInternal(t *testing.T) {
	svr := newArithServer(t)
	svr.Use(middleware.Recovery(zerolog.Nop()))
	stub := dial(t, serve(t, svr))

	_, err := stub.Invoke(context.Background(), "Arith/Panic", args(0, 0))
	var st *status.Status
	if !errors.As(err, &st) || st.Code != codes.Internal {
		t.Fatalf("expect Internal from recovered panic, got %v", err)
	}

	// The connection survives the panic; the next call succeeds.
	if _, err := stub.Invoke(context.Background(), "Arith/Add", args(2, 2)); err != nil {
		t.Fatalf("call after panic failed: %v", err)
	}
}

func TestRateLimitExhaustion(t *testing.T) {
	svr := newArithServer(t)
	svr.Use(middleware.RateLimit(1, 2))
	stub := dial(t, serve(t, svr))

	var exhausted int
	for i := 0; i < 10; i++ {
		_, err := stub.Invoke(context.Background(), "Arith/Add", args(1, 1))
		var st *status.Status
		if errors.As(err, &st) && st.Code == codes.ResourceExhausted {
			exhausted++
		} else if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if exhausted == 0 {
		t.Fatal("burst of 10 calls against a burst-2 limiter was never throttled")
	}
}

// TestConcurrentStreams multiplexes many in-flight calls on one connection.
func TestConcurrentStreams(t *testing.T) {
	svr := newArithServer(t)
	stub := dial(t, serve(t, svr))

	var wg sync.WaitGroup
	errs := make(chan error, 32)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(n int64) {
			defer wg.Done()
			reply, err := stub.Invoke(context.Background(), "Arith/Add", args(n, n))
			if err != nil {
				errs <- err
				return
			}
			if reply.Int64(1) != n*2 {
				errs <- fmt.Errorf("call %d: expect %d, got %d", n, n*2, reply.Int64(1))
			}
		}(int64(i))
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

func TestConnectionLossResolvesCalls(t *testing.T) {
	svr := newArithServer(t)
	addr := serve(t, svr)

	conn, err := client.Dial(context.Background(), "tcp", addr, transport.Options{})
	if err != nil {
		t.Fatal(err)
	}
	stub := client.NewStub(conn, stubMethods)

	done := make(chan error, 1)
	go func() {
		_, err := stub.Invoke(context.Background(), "Arith/Slow", args(0, 0))
		done <- err
	}()
	time.Sleep(50 * time.Millisecond)
	conn.Close()

	select {
	case err := <-done:
		var st *status.Status
		if !errors.As(err, &st) || st.Code != codes.Unavailable {
			t.Fatalf("expect Unavailable after connection loss, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("in-flight call never resolved after connection loss")
	}
}

// TestConfigWiring brings a server up from a config file.
func TestConfigWiring(t *testing.T) {
	cfg := config.Default()
	cfg.LogLevel = zerolog.WarnLevel
	cfg.StreamQueueDepth = 8
	log := zerolog.Nop()

	svr := server.NewServer(server.Options{
		Transport: cfg.TransportOptions(log),
		Logger:    log,
	})
	svr.RegisterUnary(mdesc("Arith/Add"), func(ctx context.Context, req *codec.Message) (*codec.Message, error) {
		reply := codec.New(replyDesc)
		reply.Set(1, req.Int64(1)+req.Int64(2))
		return reply, nil
	})
	stub := dial(t, serve(t, svr))

	reply, err := stub.Invoke(context.Background(), "Arith/Add", args(20, 22))
	if err != nil {
		t.Fatal(err)
	}
	if reply.Int64(1) != 42 {
		t.Fatalf("expect 42, got %d", reply.Int64(1))
	}
}
