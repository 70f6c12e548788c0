// Package cachekeys maps domain events to the cache keys they invalidate and
// assigns every cached value a TTL class. Everything here is pure: the same
// event always yields the same ordered key list.
package cachekeys

import "strings"

// Wildcard marks a key pattern as a prefix match.
const Wildcard = "*"

// DomainEvent is a change in application state that stales cached reads.
// The set of implementations is closed to this package.
type DomainEvent interface {
	Kind() string
	keys() []string
}

type CourseUpdated struct {
	CourseID string
}

type Enrollment struct {
	StudentID string
	CourseID  string
}

type ProgressUpdated struct {
	StudentID string
	CourseID  string
}

type AssessmentSubmitted struct {
	StudentID    string
	CourseID     string
	AssessmentID string
}

type PaymentProcessed struct {
	UserID        string
	TransactionID string
}

type CertificateGenerated struct {
	StudentID     string
	CourseID      string
	CertificateID string
}

type TeacherCourseUpdated struct {
	TeacherID string
	CourseID  string
}

type PricingUpdated struct{}

type SubscriptionChanged struct {
	UserID string
}

func (CourseUpdated) Kind() string        { return "course_update" }
func (Enrollment) Kind() string           { return "enrollment" }
func (ProgressUpdated) Kind() string      { return "progress_update" }
func (AssessmentSubmitted) Kind() string  { return "assessment_submit" }
func (PaymentProcessed) Kind() string     { return "payment_processed" }
func (CertificateGenerated) Kind() string { return "certificate_generated" }
func (TeacherCourseUpdated) Kind() string { return "teacher_course_update" }
func (PricingUpdated) Kind() string       { return "pricing_update" }
func (SubscriptionChanged) Kind() string  { return "subscription_changed" }

func (e CourseUpdated) keys() []string {
	return []string{
		CourseKey(e.CourseID),
		"course:" + e.CourseID + ":modules",
		"course:" + e.CourseID + ":stats",
		"courses:list:" + Wildcard,
		"courses:search:" + Wildcard,
	}
}

func (e Enrollment) keys() []string {
	return []string{
		"student:" + e.StudentID + ":enrollments",
		"student:" + e.StudentID + ":progress",
		"course:" + e.CourseID + ":enrollments",
		"course:" + e.CourseID + ":stats",
		"courses:list:" + Wildcard,
	}
}

func (e ProgressUpdated) keys() []string {
	return []string{
		"student:" + e.StudentID + ":progress",
		"student:" + e.StudentID + ":course:" + e.CourseID + ":progress",
		"course:" + e.CourseID + ":stats",
	}
}

func (e AssessmentSubmitted) keys() []string {
	return []string{
		"assessment:" + e.AssessmentID + ":submissions",
		"assessment:" + e.AssessmentID + ":stats",
		"student:" + e.StudentID + ":assessments",
		"student:" + e.StudentID + ":progress",
		"course:" + e.CourseID + ":stats",
	}
}

func (e PaymentProcessed) keys() []string {
	return []string{
		UserPaymentsKey(e.UserID),
		"user:" + e.UserID + ":balance",
		"payment:" + e.TransactionID,
		"revenue:stats:" + Wildcard,
	}
}

func (e CertificateGenerated) keys() []string {
	return []string{
		"certificate:" + e.CertificateID,
		"student:" + e.StudentID + ":certificates",
		"course:" + e.CourseID + ":stats",
	}
}

func (e TeacherCourseUpdated) keys() []string {
	return []string{
		"teacher:" + e.TeacherID + ":courses",
		"teacher:" + e.TeacherID + ":stats",
		CourseKey(e.CourseID),
		"courses:list:" + Wildcard,
	}
}

func (PricingUpdated) keys() []string {
	return []string{
		"pricing:tiers",
		"pricing:tier:" + Wildcard,
		"courses:list:" + Wildcard,
	}
}

func (e SubscriptionChanged) keys() []string {
	return []string{
		"user:" + e.UserID + ":subscription",
		"user:" + e.UserID + ":entitlements",
	}
}

// KeysFor returns the ordered invalidation keys for ev. The returned slice is
// owned by the caller.
func KeysFor(ev DomainEvent) []string {
	if ev == nil {
		return nil
	}
	return ev.keys()
}

// KeysForAll concatenates the keys of several events, dropping repeats while
// keeping first-seen order.
func KeysForAll(events ...DomainEvent) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, ev := range events {
		for _, k := range KeysFor(ev) {
			if _, ok := seen[k]; ok {
				continue
			}
			seen[k] = struct{}{}
			out = append(out, k)
		}
	}
	return out
}

func CourseKey(courseID string) string { return "course:" + courseID }

func UserPaymentsKey(userID string) string { return "user:" + userID + ":payments" }

// IsWildcard reports whether pattern is a prefix pattern.
func IsWildcard(pattern string) bool {
	return strings.HasSuffix(pattern, Wildcard)
}

// Prefix strips the trailing wildcard from a prefix pattern.
func Prefix(pattern string) string {
	return strings.TrimSuffix(pattern, Wildcard)
}

// Match reports whether key is covered by pattern: exact equality, or prefix
// match when pattern ends in "*".
func Match(pattern, key string) bool {
	if IsWildcard(pattern) {
		return strings.HasPrefix(key, Prefix(pattern))
	}
	return pattern == key
}
