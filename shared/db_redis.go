package shared

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// RedisDB implements DatabaseClient using Redis.
// Keys: job:<id> => HASH of job fields (overlays as JSON), video:<id> => JSON(Video)
// Sorted set for listing: jobs:index (score: createdAt unix nanos)
// Creates and patches run as Lua scripts so each record changes atomically.
type RedisDB struct {
	client *redis.Client
	now    func() time.Time
}

func NewRedisDB(client *redis.Client) *RedisDB {
	return &RedisDB{client: client, now: func() time.Time { return time.Now().UTC() }}
}

const jobIndexKey = "jobs:index"

// KEYS[1]=job hash, KEYS[2]=index; ARGV[1]=score, ARGV[2]=id, ARGV[3..]=field/value pairs
var createJobScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
	return 0
end
redis.call('HSET', KEYS[1], unpack(ARGV, 3))
redis.call('ZADD', KEYS[2], ARGV[1], ARGV[2])
return 1
`)

// KEYS[1]=job hash; ARGV[1]=comma separated statuses the patch may apply to, ARGV[2..]=field/value pairs
var patchJobScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return 'missing'
end
local status = redis.call('HGET', KEYS[1], 'status')
local allowed = false
for s in string.gmatch(ARGV[1], '[^,]+') do
	if s == status then
		allowed = true
	end
end
if not allowed then
	return 'reject:' .. status
end
redis.call('HSET', KEYS[1], unpack(ARGV, 2))
return 'ok'
`)

func (r *RedisDB) jobKey(id string) string   { return fmt.Sprintf("job:%s", id) }
func (r *RedisDB) videoKey(id string) string { return fmt.Sprintf("video:%s", id) }

// storedTimeLayout is fixed width so stored timestamps also sort lexically
const storedTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string { return t.UTC().Format(storedTimeLayout) }

func (r *RedisDB) CreateJob(job *Job) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	overlays, err := json.Marshal(job.Overlays)
	if err != nil {
		return err
	}
	args := []any{
		job.CreatedAt.UnixNano(), job.ID,
		"id", job.ID,
		"video_id", job.VideoID,
		"source_path", job.SourcePath,
		"overlays", string(overlays),
		"status", string(job.Status),
		"progress", job.Progress,
		"output_path", job.OutputPath,
		"download_endpoint", job.DownloadEndpoint,
		"error", job.Error,
		"created_at", formatTime(job.CreatedAt),
		"updated_at", formatTime(job.UpdatedAt),
	}
	created, err := createJobScript.Run(ctx, r.client, []string{r.jobKey(job.ID), jobIndexKey}, args...).Int()
	if err != nil {
		return err
	}
	if created == 0 {
		return jobExists(job.ID)
	}
	return nil
}

func (r *RedisDB) GetJob(jobID string) (*Job, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	fields, err := r.client.HGetAll(ctx, r.jobKey(jobID)).Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, jobNotFound(jobID)
	}
	return decodeJobHash(fields)
}

func decodeJobHash(f map[string]string) (*Job, error) {
	j := &Job{
		ID:               f["id"],
		VideoID:          f["video_id"],
		SourcePath:       f["source_path"],
		Status:           JobStatus(f["status"]),
		OutputPath:       f["output_path"],
		DownloadEndpoint: f["download_endpoint"],
		Error:            f["error"],
		Overlays:         []Overlay{},
	}
	if raw := f["overlays"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &j.Overlays); err != nil {
			return nil, fmt.Errorf("decode overlays of job %s: %w", j.ID, err)
		}
	}
	if p, err := strconv.Atoi(f["progress"]); err == nil {
		j.Progress = p
	}
	var err error
	if j.CreatedAt, err = time.Parse(time.RFC3339Nano, f["created_at"]); err != nil {
		return nil, fmt.Errorf("decode created_at of job %s: %w", j.ID, err)
	}
	if j.UpdatedAt, err = time.Parse(time.RFC3339Nano, f["updated_at"]); err != nil {
		return nil, fmt.Errorf("decode updated_at of job %s: %w", j.ID, err)
	}
	if v := f["started_at"]; v != "" {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			j.StartedAt = &t
		}
	}
	if v := f["completed_at"]; v != "" {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			j.CompletedAt = &t
		}
	}
	return j, nil
}

// patchPairs flattens a patch into HSET field/value pairs
func patchPairs(p JobPatch, now time.Time) []any {
	var out []any
	if p.Status != nil {
		out = append(out, "status", string(*p.Status))
	}
	if p.Progress != nil {
		out = append(out, "progress", ClampProgress(*p.Progress))
	}
	if p.OutputPath != nil {
		out = append(out, "output_path", *p.OutputPath)
	}
	if p.DownloadEndpoint != nil {
		out = append(out, "download_endpoint", *p.DownloadEndpoint)
	}
	if p.Error != nil {
		out = append(out, "error", *p.Error)
	}
	if p.StartedAt != nil {
		out = append(out, "started_at", formatTime(*p.StartedAt))
	}
	if p.CompletedAt != nil {
		out = append(out, "completed_at", formatTime(*p.CompletedAt))
	}
	return append(out, "updated_at", formatTime(now))
}

func joinStatuses(statuses []JobStatus) string {
	parts := make([]string, len(statuses))
	for i, s := range statuses {
		parts[i] = string(s)
	}
	return strings.Join(parts, ",")
}

func (r *RedisDB) UpdateJob(jobID string, patch JobPatch) error {
	if err := patch.Validate(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	args := append([]any{joinStatuses(patch.AllowedFrom())}, patchPairs(patch, r.now())...)
	res, err := patchJobScript.Run(ctx, r.client, []string{r.jobKey(jobID)}, args...).Text()
	if err != nil {
		return err
	}
	switch {
	case res == "ok":
		return nil
	case res == "missing":
		return jobNotFound(jobID)
	case strings.HasPrefix(res, "reject:"):
		from := JobStatus(strings.TrimPrefix(res, "reject:"))
		return rejectedPatch(jobID, from, patch.CheckTransition(from))
	default:
		return fmt.Errorf("unexpected patch result %q for job %s", res, jobID)
	}
}

func (r *RedisDB) DeleteJob(jobID string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	pipe := r.client.TxPipeline()
	del := pipe.Del(ctx, r.jobKey(jobID))
	pipe.ZRem(ctx, jobIndexKey, jobID)
	if _, err := pipe.Exec(ctx); err != nil {
		return err
	}
	if del.Val() == 0 {
		return jobNotFound(jobID)
	}
	return nil
}

func (r *RedisDB) GetAllJobs() ([]*Job, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	ids, err := r.client.ZRevRange(ctx, jobIndexKey, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	jobs := make([]*Job, 0, len(ids))
	for _, id := range ids {
		j, err := r.GetJob(id)
		if err == nil {
			jobs = append(jobs, j)
		}
	}
	return jobs, nil
}

func (r *RedisDB) CreateVideo(video *Video) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	b, err := json.Marshal(video)
	if err != nil {
		return err
	}
	ok, err := r.client.SetNX(ctx, r.videoKey(video.ID), b, 0).Result()
	if err != nil {
		return err
	}
	if !ok {
		return videoExists(video.ID)
	}
	return nil
}

func (r *RedisDB) GetVideo(videoID string) (*Video, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	val, err := r.client.Get(ctx, r.videoKey(videoID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, videoNotFound(videoID)
		}
		return nil, err
	}
	var v Video
	if err := json.Unmarshal(val, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

// Close is a no-op; the client is shared with the queue and closed by its owner
func (r *RedisDB) Close() error { return nil }
