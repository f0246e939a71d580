package storage

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"path/filepath"
	"sort"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"github.com/cassandranet/cassnet/pkg/errdefs"
	"github.com/cassandranet/cassnet/pkg/types"
)

var (
	// Bucket names
	bucketTenants      = []byte("tenants")
	bucketProjects     = []byte("projects")
	bucketAgents       = []byte("agents")
	bucketApiKeys      = []byte("api_keys")
	bucketApiKeyPrefix = []byte("api_key_prefixes")
	bucketTasks        = []byte("tasks")
	bucketTaskPending  = []byte("task_pending")
	bucketWorkflows    = []byte("workflows")
)

// BoltStore implements Store on top of a single bbolt database file. Every
// store call is one transaction, so the pending index and the prefix index
// stay consistent with the records they point at.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (or creates) the database under dataDir.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "cassnet.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, errdefs.Wrap("open database", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketTenants,
			bucketProjects,
			bucketAgents,
			bucketApiKeys,
			bucketApiKeyPrefix,
			bucketTasks,
			bucketTaskPending,
			bucketWorkflows,
		}
		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, errdefs.Wrap("create buckets", err)
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func put(b *bolt.Bucket, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return errdefs.Wrap("marshal record", err)
	}
	return b.Put(key, data)
}

// pendingKey orders the pending index by (tenant, scheduled_at, task id).
func pendingKey(task *types.Task) []byte {
	key := make([]byte, 0, 40)
	key = append(key, task.TenantID[:]...)
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(task.ScheduledAt.UnixMilli()))
	key = append(key, ts[:]...)
	key = append(key, task.ID[:]...)
	return key
}

// Tenant operations

func (s *BoltStore) InsertTenant(tenant types.Tenant) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTenants)
		if b.Get(tenant.ID[:]) != nil {
			return errdefs.Conflict("tenant")
		}
		return put(b, tenant.ID[:], tenant)
	})
}

func (s *BoltStore) GetTenant(id uuid.UUID) (*types.Tenant, error) {
	var tenant *types.Tenant
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketTenants).Get(id[:])
		if data == nil {
			return nil
		}
		tenant = &types.Tenant{}
		return json.Unmarshal(data, tenant)
	})
	return tenant, err
}

func (s *BoltStore) ListTenants() ([]types.Tenant, error) {
	var tenants []types.Tenant
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTenants).ForEach(func(k, v []byte) error {
			var tenant types.Tenant
			if err := json.Unmarshal(v, &tenant); err != nil {
				return err
			}
			tenants = append(tenants, tenant)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(tenants, func(i, j int) bool { return tenants[i].Name < tenants[j].Name })
	return tenants, nil
}

// Project operations

func (s *BoltStore) InsertProject(project types.Project) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketTenants).Get(project.TenantID[:]) == nil {
			return errdefs.NotFound("tenant")
		}
		b := tx.Bucket(bucketProjects)
		if b.Get(project.ID[:]) != nil {
			return errdefs.Conflict("project")
		}
		return put(b, project.ID[:], project)
	})
}

func (s *BoltStore) GetProject(id uuid.UUID) (*types.Project, error) {
	var project *types.Project
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketProjects).Get(id[:])
		if data == nil {
			return nil
		}
		project = &types.Project{}
		return json.Unmarshal(data, project)
	})
	return project, err
}

func (s *BoltStore) ListProjects(tenantID uuid.UUID) ([]types.Project, error) {
	var projects []types.Project
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketProjects).ForEach(func(k, v []byte) error {
			var project types.Project
			if err := json.Unmarshal(v, &project); err != nil {
				return err
			}
			if project.TenantID == tenantID {
				projects = append(projects, project)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(projects, func(i, j int) bool { return projects[i].Name < projects[j].Name })
	return projects, nil
}

// Agent operations

func (s *BoltStore) InsertAgent(agent types.Agent) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketTenants).Get(agent.TenantID[:]) == nil {
			return errdefs.NotFound("tenant")
		}
		if tx.Bucket(bucketProjects).Get(agent.ProjectID[:]) == nil {
			return errdefs.NotFound("project")
		}
		b := tx.Bucket(bucketAgents)
		if b.Get(agent.ID[:]) != nil {
			return errdefs.Conflict("agent")
		}
		return put(b, agent.ID[:], agent)
	})
}

func (s *BoltStore) UpdateAgent(agent types.Agent) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAgents)
		if b.Get(agent.ID[:]) == nil {
			return errdefs.NotFound("agent")
		}
		return put(b, agent.ID[:], agent)
	})
}

func (s *BoltStore) GetAgent(id uuid.UUID) (*types.Agent, error) {
	var agent *types.Agent
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketAgents).Get(id[:])
		if data == nil {
			return nil
		}
		agent = &types.Agent{}
		return json.Unmarshal(data, agent)
	})
	return agent, err
}

func (s *BoltStore) ListAgents(tenantID uuid.UUID) ([]types.Agent, error) {
	var agents []types.Agent
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAgents).ForEach(func(k, v []byte) error {
			var agent types.Agent
			if err := json.Unmarshal(v, &agent); err != nil {
				return err
			}
			if agent.TenantID == tenantID {
				agents = append(agents, agent)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(agents, func(i, j int) bool { return agents[i].Hostname < agents[j].Hostname })
	return agents, nil
}

// API key operations

func (s *BoltStore) InsertApiKey(record types.ApiKeyRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		prefixes := tx.Bucket(bucketApiKeyPrefix)
		if prefixes.Get([]byte(record.TokenPrefix)) != nil {
			return errdefs.Conflict("api_key")
		}
		if err := prefixes.Put([]byte(record.TokenPrefix), record.ID[:]); err != nil {
			return err
		}
		return put(tx.Bucket(bucketApiKeys), record.ID[:], record)
	})
}

func (s *BoltStore) GetApiKey(id uuid.UUID) (*types.ApiKeyRecord, error) {
	var record *types.ApiKeyRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketApiKeys).Get(id[:])
		if data == nil {
			return nil
		}
		record = &types.ApiKeyRecord{}
		return json.Unmarshal(data, record)
	})
	return record, err
}

func (s *BoltStore) GetApiKeyByPrefix(prefix string) (*types.ApiKeyRecord, error) {
	var record *types.ApiKeyRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		id := tx.Bucket(bucketApiKeyPrefix).Get([]byte(prefix))
		if id == nil {
			return nil
		}
		data := tx.Bucket(bucketApiKeys).Get(id)
		if data == nil {
			return nil
		}
		record = &types.ApiKeyRecord{}
		return json.Unmarshal(data, record)
	})
	return record, err
}

func (s *BoltStore) ListApiKeys(tenantID uuid.UUID) ([]types.ApiKeyRecord, error) {
	var keys []types.ApiKeyRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketApiKeys).ForEach(func(k, v []byte) error {
			var record types.ApiKeyRecord
			if err := json.Unmarshal(v, &record); err != nil {
				return err
			}
			if record.TenantID == tenantID {
				keys = append(keys, record)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].CreatedAt.Before(keys[j].CreatedAt) })
	return keys, nil
}

func (s *BoltStore) UpdateApiKey(record types.ApiKeyRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketApiKeys)
		if b.Get(record.ID[:]) == nil {
			return errdefs.NotFound("api_key")
		}
		if err := tx.Bucket(bucketApiKeyPrefix).Put([]byte(record.TokenPrefix), record.ID[:]); err != nil {
			return err
		}
		return put(b, record.ID[:], record)
	})
}

// Task operations

func (s *BoltStore) EnqueueTask(task types.Task) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		if b.Get(task.ID[:]) != nil {
			return errdefs.Conflict("task")
		}
		if err := tx.Bucket(bucketTaskPending).Put(pendingKey(&task), task.ID[:]); err != nil {
			return err
		}
		return put(b, task.ID[:], task)
	})
}

func (s *BoltStore) UpdateTask(task types.Task) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		data := b.Get(task.ID[:])
		if data == nil {
			return errdefs.NotFound("task")
		}
		var prior types.Task
		if err := json.Unmarshal(data, &prior); err != nil {
			return err
		}
		pending := tx.Bucket(bucketTaskPending)
		if err := pending.Delete(pendingKey(&prior)); err != nil {
			return err
		}
		if task.Status == types.TaskStatusPending {
			if err := pending.Put(pendingKey(&task), task.ID[:]); err != nil {
				return err
			}
		}
		return put(b, task.ID[:], task)
	})
}

func (s *BoltStore) GetTask(id uuid.UUID) (*types.Task, error) {
	var task *types.Task
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketTasks).Get(id[:])
		if data == nil {
			return nil
		}
		task = &types.Task{}
		return json.Unmarshal(data, task)
	})
	return task, err
}

func (s *BoltStore) ListPendingTasks(tenantID uuid.UUID) ([]types.Task, error) {
	var tasks []types.Task
	err := s.db.View(func(tx *bolt.Tx) error {
		tasksBucket := tx.Bucket(bucketTasks)
		c := tx.Bucket(bucketTaskPending).Cursor()
		prefix := tenantID[:]
		for k, id := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, id = c.Next() {
			data := tasksBucket.Get(id)
			if data == nil {
				continue
			}
			var task types.Task
			if err := json.Unmarshal(data, &task); err != nil {
				return err
			}
			tasks = append(tasks, task)
		}
		return nil
	})
	return tasks, err
}

// Workflow operations

func (s *BoltStore) InsertWorkflow(workflow types.Workflow) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketWorkflows)
		if b.Get(workflow.ID[:]) != nil {
			return errdefs.Conflict("workflow")
		}
		return put(b, workflow.ID[:], workflow)
	})
}

func (s *BoltStore) GetWorkflow(id uuid.UUID) (*types.Workflow, error) {
	var workflow *types.Workflow
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketWorkflows).Get(id[:])
		if data == nil {
			return nil
		}
		workflow = &types.Workflow{}
		return json.Unmarshal(data, workflow)
	})
	return workflow, err
}

func (s *BoltStore) ListWorkflows(tenantID uuid.UUID) ([]types.Workflow, error) {
	var workflows []types.Workflow
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketWorkflows).ForEach(func(k, v []byte) error {
			var workflow types.Workflow
			if err := json.Unmarshal(v, &workflow); err != nil {
				return err
			}
			if workflow.TenantID == tenantID {
				workflows = append(workflows, workflow)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(workflows, func(i, j int) bool { return workflows[i].Name < workflows[j].Name })
	return workflows, nil
}
