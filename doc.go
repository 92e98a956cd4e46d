// Package fnhost hosts queue-triggered functions. A Host polls one queue per
// function, invokes the function body through a binding and filter
// pipeline, renews message visibility while the body runs, and deletes or
// poisons each message depending on the outcome. Every invocation is
// recorded in an invocation log.
//
// # Running a host
//
//	cfg := fnhost.Config{Store: "disk:///var/lib/fnhost"}
//	h, err := fnhost.New(cfg, fnhost.WithLogger(logger))
//	if err != nil { log.Fatal(err) }
//	err = h.AddQueueFunction(fnhost.QueueFunction{
//	    Name:  "resize",
//	    Queue: "images",
//	    Body: func(ctx context.Context, ic *fnhost.InvocationContext) error {
//	        msg := ic.TriggerValue.(*fnhost.Message)
//	        return resize(ctx, msg.Body)
//	    },
//	})
//	if err != nil { log.Fatal(err) }
//	if err := h.Start(ctx); err != nil { log.Fatal(err) }
//	<-ctx.Done()
//	_ = h.Stop(context.Background())
//
// Start never fails because a single listener could not start: the failure
// is recorded (see Host.Failed) unless WithStartFailureHandler marks it
// fatal. Stop cancels in-flight invocations and waits up to
// Config.ShutdownGrace; canceled invocations leave their message in the
// queue and never count toward poisoning.
//
// # Storage
//
// Config.Store selects the object store used for queues, leases and the
// invocation log:
//
//	mem://                                 in-process (tests, single process)
//	disk:///var/lib/fnhost                 local filesystem, fsnotify wake-ups
//	s3://host:9000/bucket/prefix?insecure=1  S3-compatible (MinIO) via minio-go
//	aws://bucket/prefix?region=eu-north-1  AWS S3 via aws-sdk-go-v2
//	azure://account/container/prefix       Azure Blob Storage
//
// Queues can live in Amazon SQS instead (Config.QueueBackend = "sqs"),
// singleton leases in Redis (Config.LeaseBackend = "redis") and the
// invocation log in SQLite (Config.InvocationLog = "sqlite").
//
// # Poison messages
//
// A message whose invocation fails Config.MaxDequeueCount times is copied
// to the sibling queue "<queue>-poison" and then deleted. When the poison
// write fails the error goes to the exception handler and the message stays
// in the source queue.
//
// # Causality
//
// Messages emitted through a queue output binding carry a "$ParentId"
// property holding the emitting invocation id. The host reads it back when
// the message triggers the next function and records it as the parent in
// the invocation log.
package fnhost
