// Package engine is the composition root of cascade. It owns the flow
// registry and builds the event bus, the persistence and orchestration
// handlers, the await manager, the job dispatcher and the step runner
// over the configured Store, Queue and Stream.
//
// # Building an Engine
//
//	eng, err := engine.New(
//	    engine.WithStore(redisstore.New(client)),
//	    engine.WithQueue(redisqueue.New(client)),
//	    engine.WithStream(redisstream.New(client)),
//	    engine.WithLogger(logger),
//	)
//
// A missing store, queue or stream is reported by New as
// cascade.ErrNoStore, cascade.ErrNoQueue or cascade.ErrNoStream.
//
// # Registering Work
//
//	eng.RegisterFlow(&flow.Definition{
//	    Name:      "orders",
//	    EntryStep: "place",
//	    Steps: map[string]flow.StepDecl{
//	        "place": {Emits: []string{"order.placed"}},
//	        "ship":  {Subscribes: []string{"order.placed"}},
//	    },
//	})
//	eng.HandleStep("place", runner.Typed(placeOrder))
//	eng.HandleStep("ship", shipOrder)
//
// # Running
//
//	eng.Start(ctx)
//	runID, err := eng.StartFlow(ctx, "orders", Order{ID: 7})
//
// Start registers a worker for every queue a registered step runs on, so
// flows are registered first.
//
// # Options
//
//   - [WithConfig]: timeouts, retry policy, webhook base URL
//   - [WithStore], [WithQueue], [WithStream]: backends
//   - [WithLogger]: structured logger shared by every subsystem
//   - [WithMeterProvider]: OpenTelemetry meter provider for lifecycle metrics
//   - [WithWorkerOptions]: consumer concurrency per step queue
package engine
