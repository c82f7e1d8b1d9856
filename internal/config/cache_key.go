package config

import (
	"fmt"
)

type CacheKeyStruct struct{}

func NewCacheKeyStruct() *CacheKeyStruct {
	return &CacheKeyStruct{}
}

// UserAnswersKey returns the hash key holding a user's autosaved answers for a test
func (r *CacheKeyStruct) UserAnswersKey(testID string, userID int) string {
	return fmt.Sprintf("user:%d:test:%s:answers", userID, testID)
}

// UserVolumeKey returns the key holding a user's last playback volume
func (r *CacheKeyStruct) UserVolumeKey(userID int) string {
	return fmt.Sprintf("user:%d:volume", userID)
}

// TestMaterialKey returns the cache key for a test's student-facing material
func (r *CacheKeyStruct) TestMaterialKey(testID string) string {
	return fmt.Sprintf("test:%s:material", testID)
}

// AnswersSubmittedKey guards the at-most-once answer submission
func (r *CacheKeyStruct) AnswersSubmittedKey(testID string, userID int) string {
	return fmt.Sprintf("test:%s:user:%d:submitted:answers", testID, userID)
}

// RecordingSubmittedKey guards the at-most-once recording submission
func (r *CacheKeyStruct) RecordingSubmittedKey(testID string, userID int) string {
	return fmt.Sprintf("test:%s:user:%d:submitted:recording", testID, userID)
}

// ClockStartKey holds the Unix time a user's section clock first started
func (r *CacheKeyStruct) ClockStartKey(testID string, userID int) string {
	return fmt.Sprintf("test:%s:user:%d:clock_start", testID, userID)
}

// UserSessionKey holds the jti of the user's only valid token
func (r *CacheKeyStruct) UserSessionKey(userID int) string {
	return fmt.Sprintf("user:%d:session", userID)
}

var CacheKey = NewCacheKeyStruct()
