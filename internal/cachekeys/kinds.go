package cachekeys

import "fmt"

// kindBuilders constructs events from positional ids, in struct field order.
var kindBuilders = map[string]struct {
	arity int
	build func(ids []string) DomainEvent
}{
	"course_update":         {1, func(a []string) DomainEvent { return CourseUpdated{CourseID: a[0]} }},
	"enrollment":            {2, func(a []string) DomainEvent { return Enrollment{StudentID: a[0], CourseID: a[1]} }},
	"progress_update":       {2, func(a []string) DomainEvent { return ProgressUpdated{StudentID: a[0], CourseID: a[1]} }},
	"assessment_submit":     {3, func(a []string) DomainEvent { return AssessmentSubmitted{StudentID: a[0], CourseID: a[1], AssessmentID: a[2]} }},
	"payment_processed":     {2, func(a []string) DomainEvent { return PaymentProcessed{UserID: a[0], TransactionID: a[1]} }},
	"certificate_generated": {3, func(a []string) DomainEvent { return CertificateGenerated{StudentID: a[0], CourseID: a[1], CertificateID: a[2]} }},
	"teacher_course_update": {2, func(a []string) DomainEvent { return TeacherCourseUpdated{TeacherID: a[0], CourseID: a[1]} }},
	"pricing_update":        {0, func([]string) DomainEvent { return PricingUpdated{} }},
	"subscription_changed":  {1, func(a []string) DomainEvent { return SubscriptionChanged{UserID: a[0]} }},
}

// FromKind builds the event named by kind (as returned by Kind) from its ids.
func FromKind(kind string, ids ...string) (DomainEvent, error) {
	b, ok := kindBuilders[kind]
	if !ok {
		return nil, fmt.Errorf("unknown event kind %q", kind)
	}
	if len(ids) != b.arity {
		return nil, fmt.Errorf("%s takes %d id(s), got %d", kind, b.arity, len(ids))
	}
	return b.build(ids), nil
}

// Kinds lists every known event kind.
func Kinds() []string {
	out := make([]string, 0, len(kindBuilders))
	for k := range kindBuilders {
		out = append(out, k)
	}
	return out
}
