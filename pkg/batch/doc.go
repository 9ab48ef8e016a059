// Package batch encodes row operations into OData $batch payloads.
//
// Row operations (Create, Delete, Upsert, UpdateColumn) lower to Commands.
// An Encoder partitions commands into chunks of at most ChunkSize and renders
// each chunk as one multipart/mixed request against the $batch endpoint:
//
//	ops := batch.Upsert{EntitySet: "accounts", Rows: rows, Keys: []string{"accountnumber"}}
//	commands, err := ops.Commands()
//	if err != nil {
//		return err
//	}
//
//	enc, err := batch.NewEncoder("https://org.crm.dynamics.com/api/data/v9.2/")
//	if err != nil {
//		return err
//	}
//	requests, err := enc.Encode(commands)
//
// Every part carries a fully-qualified URL. Quoted alternate-key literals are
// percent-encoded while quotes and parentheses stay literal:
//
//	kenobi(altkey='hello there')  ->  kenobi(altkey='hello%20there')
//
// The server's multipart response is not parsed here; callers inspect the
// top-level status of each chunk.
package batch
