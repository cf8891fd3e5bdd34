package main

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/gomodule/redigo/redis"
	log "github.com/sirupsen/logrus"
)

// ErrTile 失败瓦片记录
type ErrTile struct {
	X   int    `json:"x"`
	Y   int    `json:"y"`
	Z   int    `json:"z"`
	Res string `json:"res"`
}

// redisStore keeps per-task build bookkeeping in redis: the resume cursor
// and the failed/nil tile hash lists. Optional; a build runs without it.
type redisStore struct {
	pool   redis.Pool
	taskID string
}

func newRedisStore(addr, taskID string) *redisStore {
	return &redisStore{
		taskID: taskID,
		pool: redis.Pool{
			MaxIdle:     16,
			MaxActive:   32,
			IdleTimeout: 120,
			Dial: func() (redis.Conn, error) {
				return redis.Dial("tcp", addr)
			},
		},
	}
}

func (s *redisStore) closeConn(conn redis.Conn) {
	if err := conn.Close(); err != nil {
		log.Errorf("redis connection close failure")
	}
}

func (s *redisStore) cleanInfo() {
	conn := s.pool.Get()
	defer s.closeConn(conn)
	_, _ = conn.Do("del", "cursor:"+s.taskID)
	_, _ = conn.Do("del", "nil_list:"+s.taskID)
	_, _ = conn.Do("del", "fail_list:"+s.taskID)
}

// getCursor returns the (zoom, column) a previous run stopped at,
// or (-1, -1) when there is nothing to resume.
func (s *redisStore) getCursor() (int, int) {
	conn := s.pool.Get()
	defer s.closeConn(conn)
	replay, err := redis.String(conn.Do("get", "cursor:"+s.taskID))
	if err != nil {
		return -1, -1
	}
	cursor := strings.Split(replay, ":")
	if len(cursor) != 2 {
		return -1, -1
	}
	zoom, err := strconv.Atoi(cursor[0])
	if err != nil {
		return -1, -1
	}
	col, err := strconv.Atoi(cursor[1])
	if err != nil {
		return -1, -1
	}
	return zoom, col
}

func (s *redisStore) saveCursor(zoom, col int) {
	conn := s.pool.Get()
	defer s.closeConn(conn)
	_, err := conn.Do("set", "cursor:"+s.taskID, strconv.Itoa(zoom)+":"+strconv.Itoa(col))
	if err != nil {
		log.Errorf("redis save cursor failure")
	}
}

func tileKey(t TileXyz) string {
	return "tile_" + strconv.Itoa(t.X) + "_" + strconv.Itoa(t.Y) + "_" + strconv.Itoa(t.Z)
}

// errTile records a failed coordinate. Permanent refusals go to the
// nil list, everything else to the fail list swept by the retry pass.
func (s *redisStore) errTile(t TileXyz, res string, permanent bool) {
	conn := s.pool.Get()
	defer s.closeConn(conn)
	et := ErrTile{X: t.X, Y: t.Y, Z: t.Z, Res: res}
	val, _ := json.Marshal(et)
	list := "fail_list:"
	if permanent {
		list = "nil_list:"
	}
	if _, err := conn.Do("hset", list+s.taskID, tileKey(t), val); err != nil {
		log.Errorf("redis save tile failure")
	}
}

func (s *redisStore) cleanFail(t TileXyz) {
	conn := s.pool.Get()
	defer s.closeConn(conn)
	_, _ = conn.Do("hdel", "fail_list:"+s.taskID, tileKey(t))
}

// failList returns the coordinates still on the fail list.
func (s *redisStore) failList() []TileXyz {
	conn := s.pool.Get()
	defer s.closeConn(conn)
	alls, err := redis.StringMap(conn.Do("hgetall", "fail_list:"+s.taskID))
	if err != nil {
		return nil
	}
	var tiles []TileXyz
	for kv := range alls {
		var te ErrTile
		if err := json.Unmarshal([]byte(alls[kv]), &te); err != nil {
			continue
		}
		tiles = append(tiles, TileXyz{X: te.X, Y: te.Y, Z: te.Z, Scheme: SchemeWMTS})
	}
	return tiles
}

func (s *redisStore) Close() {
	if err := s.pool.Close(); err != nil {
		log.Errorf("redis pool close failure")
	}
}
