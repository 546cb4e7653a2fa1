// Package nest keeps a local reactive cache in sync with a hierarchical
// push data service when the set of watched paths depends on the data
// itself.
//
// A Descriptor names one watched location and the cache slot it fills.
// Descriptors may derive further descriptors from their data: ChildSubs
// maps each child to dependents, FieldSubs maps a named field. The engine
// opens one remote watch per distinct key, shares it between subscribers by
// reference count, and subscribes or releases dependents as the data that
// names them changes.
//
//	engine := nest.New(svc, nest.Config{})
//	defer engine.Close()
//
//	cancel, done := engine.SubscribeWithCompletion(nest.Descriptor{
//	    Key:  "msgs",
//	    Mode: nest.AsList,
//	    Path: "chat/messages",
//	    ChildSubs: func(_ string, msg any) []nest.Descriptor {
//	        uid, _ := msg.(map[string]any)["uid"].(string)
//	        return []nest.Descriptor{{Key: "user_" + uid, Mode: nest.AsValue, Path: "users/" + uid}}
//	    },
//	})
//	defer cancel()
//
//	if err := done.Wait(ctx); err != nil {
//	    return err
//	}
//	slot := engine.GetData("msgs")
//
// # Batching
//
// Remote events are not applied as they arrive. They are queued and drained
// together once the queue has been quiet for Config.Queue.Delay, or as soon
// as Config.Queue.MaxPending calls are waiting. Observers see one change per
// drain. Config.Queue.Immediate applies every event at once.
//
// # Concurrency
//
// Engine methods are safe for concurrent use. Hooks, listeners, OnData
// callbacks and Observe functions run in order on a goroutine owned by the
// engine, after the drain that produced them, and may call back into it. Descriptor functions (Query, ChildSubs,
// FieldSubs and the transforms) run with the lock held and must not.
package nest
