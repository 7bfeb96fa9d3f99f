// Package opsflow is a staged ETL pipeline for operational data.
//
// Records flow through four stages, each run as a job:
//
//  1. Ingestion pulls pages from a source connector (REST API, SQL database,
//     MongoDB or flat file) and stages every record raw, deduplicated by a
//     per-source business key. Malformed records are quarantined.
//  2. Validation checks pending records against schema and business rules.
//  3. Transformation normalizes valid records: field aliases, type coercion,
//     derived fields and computed metrics.
//  4. Aggregation folds enriched records into warehouse tables such as
//     daily_sales, then marks them processed.
//
// A cleanup job archives and purges processed records past retention.
//
// # Orchestration
//
// Jobs are persisted with their dependencies, which must form a DAG within a
// job type. The supervisor drives each run through queued, running,
// retrying and a terminal status, retrying transient failures with
// exponential backoff and raising a critical alert when retries run out.
// Ingestion resumes from a checkpoint that only ever moves forward.
//
// The scheduler triggers interval jobs, holds dependents while a dependency
// is running and guards against duplicate triggers with a TTL marker shared
// by every scheduler process.
//
// # Quick Start
//
//	cfg, err := config.Load("opsflow.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	a, err := app.New(ctx, cfg, app.Options{})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer a.Close(ctx)
//
//	if _, err := a.LoadJobs(ctx, "jobs.yaml", "cli"); err != nil {
//	    log.Fatal(err)
//	}
//	summary, err := a.RunJob(ctx, "pos_ingest", "cli")
//
// The opsflow command wraps the same calls: opsflow run, opsflow schedule
// and opsflow connectors.
package opsflow
