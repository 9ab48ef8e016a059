// Package dataverse ties the batch encoder, dispatcher and coordinator into
// a client for one Dataverse environment.
//
//	api, err := client.New(client.DefaultConfig("https://org.crm.dynamics.com", authedHTTPClient))
//	if err != nil {
//		return err
//	}
//	dv, err := dataverse.New(api, dataverse.DefaultConfig())
//	if err != nil {
//		return err
//	}
//
//	accounts, err := dv.Entity(ctx, "account")
//	if err != nil {
//		return err
//	}
//	outcomes, err := accounts.Upsert(ctx, rows, []string{"accountnumber"},
//		dataverse.WithMode(coordinator.ModeParallel))
//
// Write helpers return one coordinator.Outcome per $batch request. A failed
// outcome means the whole chunk was rejected at the top level; individual
// operation results inside a successful multipart response are not parsed.
package dataverse
