/*
Package auditkit is a testing toolkit for audited (revision-tracked)
entities on PostgreSQL.

A Scope owns one long-lived factory per test-suite configuration. It
manages:

  - Starting an embedded PostgreSQL instance or joining a shared server.
  - Creating a unique, isolated database for the configuration.
  - Producing a factory per audit strategy: schema export for the
    registered entities (entity tables, audit tables, revision table),
    mapping files, and optional migrators such as Atlas.
  - Tracking every session opened during a test and releasing them all at
    AfterEach, rolling back leftover transactions first.
  - Transaction runners (InTransaction, InTransactions,
    InTransactionsWithTimeout, InCoordinatedTransaction) with
    commit-on-success, rollback-on-failure semantics.

Example usage (within a test function):

	func TestCustomerAudit(t *testing.T) {
		ctx := context.Background()
		scope, err := auditkit.NewScope(ctx, t, config.DefaultConfig(),
			config.WithEntities(audit.Entity{
				Name:    "Customer",
				Columns: []audit.Column{{Name: "name", Type: "text"}},
			}),
		)
		if err != nil {
			t.Fatalf("Failed to initialize scope: %v", err)
		}
		// AfterAll is registered automatically via t.Cleanup.
		defer scope.AfterEach(ctx)

		err = scope.InTransaction(ctx, func(ctx context.Context, s *session.Session) error {
			// Insert entity state and record audit rows; commit is
			// automatic on return.
			return nil
		})
		// Verify revisions through the audit reader:
		// factory, _ := scope.ProduceFactory(ctx, "")
		// revs, _ := factory.AuditReader().Revisions(ctx, "Customer", id)
	}
*/
package auditkit
