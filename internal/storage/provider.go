package storage

import "renderhub/internal/ports"

// Provider is the storage contract shared by the API and the worker.
type Provider = ports.StorageProvider
