// Package collector gathers everything a report needs for a set of
// organizations: organization names, networks, inventory, dashboard totals
// and the deduplicated client statistics over the last N days.
//
// All remote calls go through one Invoker, so organization listings and
// per-network client fetches share the same concurrency governor and
// rate-limit tracker.
//
// # Usage
//
//	col := collector.New(api, invoker, tracker, store, collector.DefaultConfig(), logger)
//	result, err := col.Collect(ctx, []string{"123456"}, 14)
//	if err != nil {
//		return err
//	}
//	fmt.Println(result.Clients.TotalDeduped)
//
// Listing failures never abort a run. Whatever was collected is kept and
// the failure is recorded in Result.Warnings.
package collector
