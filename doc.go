// Package ingester schedules, fetches, transforms, and durably lands
// time-series data entries from heterogeneous external sources into a
// dataset-oriented store.
//
// An entry travels through the following stages.
//
// 1. Sampler
//
//    Every dataset with a scheduled data source carries a sampling
//    configuration. On each scheduler tick the engine asks the dataset's
//    Sampler whether the source is due. Samplers are stateful across ticks,
//    but they own no storage: their State is loaded from, and written back
//    to, the metadata service on every call.
//
// 2. DataSource
//
//    When a source is due an IngestTask is created and a fresh DataSource is
//    built for it from the dataset's configuration, the persisted
//    DataSourceState, and the task's trigger parameters. The source fetches
//    whatever is new into the task's private staging directory and describes
//    it as a list of DataEntry values. Pull (HTTP), push (inbox directory),
//    chained (another dataset's entries), SOS scraper and Kafka sources are
//    provided in sub-packages.
//
// 3. Script
//
//    A dataset may carry a processing script which receives the fetched
//    entries and returns the entries to keep, optionally routing some of
//    them to other datasets. Scripts run in a Starlark sandbox confined to
//    the staging directory.
//
// 4. Snapshot
//
//    The resulting entries are written to a snapshot inside the staging
//    directory before the task moves to the archive stage, so that a crash
//    after fetching never requires fetching again.
//
// 5. Repository
//
//    The archive stage reads the snapshot back and persists every entry
//    through the Repository, which validates it against the dataset's
//    Schema and copies file attachments out of the staging directory.
//    Observation listeners, including the cascade router which feeds chained
//    datasets, are notified of every persisted entry.
package ingester
