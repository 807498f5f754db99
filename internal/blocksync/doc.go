/*
Package blocksync implements the sync engine of a ledgersync node.

The engine owns the adopted chain head and the ledger it produces. A sync run
brings it up to a target height read either from the node's own archive
(database mode, a rebuild) or from a peer (network mode).

A run executes as one executor transaction made of three tasks:

  - findForkPoint walks back from the current head until the source's block
    at height+1 links onto it. Every local block walked over is reverted on a
    private working copy of the ledger and queued for deletion.
  - replay starts one goroutine per height above the fork point. Headers and
    transactions are fetched concurrently, but each height waits for the
    previous one to be applied before checking linkage, crediting the miner
    reward and applying its transfers.
  - persist writes every queued record as one atomic batch and swaps the
    working copy in as the adopted status.

Any failure trips the run's abort scope, which unwinds the pipeline and rolls
the transaction back. The adopted status and the archive are only changed by
a run that completes.
*/
package blocksync
