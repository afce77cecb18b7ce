package validator

import (
	"testing"

	. "github.com/smartystreets/goconvey/convey"
)

const traitPkg = "github.com/molsim/molsim/internal/entity"

func validTraitSource() []byte {
	return []byte(`package traits

import "github.com/molsim/molsim/internal/entity"

type EnergySaver struct{}

func NewEnergySaver() *EnergySaver { return &EnergySaver{} }

func (t *EnergySaver) Execute(e *entity.Entity) error {
	if e.Energy < 10 {
		e.Move(0, 0, 1.0)
	}
	return nil
}
`)
}

func TestValidator(t *testing.T) {
	Convey("Given a validator with an empty used-hash set", t, func() {
		v := New(traitPkg, nil)

		Convey("A well-formed trait source validates successfully", func() {
			res := v.Validate(validTraitSource())
			So(res.Valid, ShouldBeTrue)
			So(res.TraitName, ShouldEqual, "EnergySaver")
			So(res.SourceHash, ShouldNotBeEmpty)
		})

		Convey("A syntax error is rejected with SYNTAX_ERROR", func() {
			res := v.Validate([]byte("package traits\nfunc ( {"))
			So(res.Valid, ShouldBeFalse)
			So(res.Violation.Reason, ShouldEqual, SyntaxError)
		})

		Convey("An import outside the whitelist is rejected", func() {
			src := []byte(`package traits

import (
	"os"
	"github.com/molsim/molsim/internal/entity"
)

type Bad struct{}
func NewBad() *Bad { return &Bad{} }
func (t *Bad) Execute(e *entity.Entity) error {
	os.Exit(1)
	return nil
}
`)
			res := v.Validate(src)
			So(res.Valid, ShouldBeFalse)
			So(res.Violation.Reason, ShouldEqual, ImportForbidden)
		})

		Convey("A banned call is rejected", func() {
			src := []byte(`package traits

import "github.com/molsim/molsim/internal/entity"

type Bad struct{}
func NewBad() *Bad { return &Bad{} }
func (t *Bad) Execute(e *entity.Entity) error {
	panic("no")
}
`)
			res := v.Validate(src)
			So(res.Valid, ShouldBeFalse)
			So(res.Violation.Reason, ShouldEqual, BannedCall)
		})

		Convey("Accessing a non-whitelisted entity field is rejected", func() {
			src := []byte(`package traits

import "github.com/molsim/molsim/internal/entity"

type Bad struct{}
func NewBad() *Bad { return &Bad{} }
func (t *Bad) Execute(e *entity.Entity) error {
	_ = e.Generation
	return nil
}
`)
			res := v.Validate(src)
			So(res.Valid, ShouldBeFalse)
			So(res.Violation.Reason, ShouldEqual, EntityAttrForbidden)
		})

		Convey("A constructor requiring arguments is rejected", func() {
			src := []byte(`package traits

import "github.com/molsim/molsim/internal/entity"

type Bad struct{ n int }
func NewBad(n int) *Bad { return &Bad{n: n} }
func (t *Bad) Execute(e *entity.Entity) error { return nil }
`)
			res := v.Validate(src)
			So(res.Valid, ShouldBeFalse)
			So(res.Violation.Reason, ShouldEqual, InitRequiredArgs)
		})

		Convey("A constructor not named New<Type> is rejected even though a New-prefixed function exists", func() {
			src := []byte(`package traits

import "github.com/molsim/molsim/internal/entity"

type Bad struct{}
func NewSomethingElse() *Bad { return &Bad{} }
func (t *Bad) Execute(e *entity.Entity) error { return nil }
`)
			res := v.Validate(src)
			So(res.Valid, ShouldBeFalse)
			So(res.Violation.Reason, ShouldEqual, InitRequiredArgs)
		})

		Convey("A value assigned only inside a conditional branch and read afterward is rejected", func() {
			src := []byte(`package traits

import "github.com/molsim/molsim/internal/entity"

type Bad struct{}
func NewBad() *Bad { return &Bad{} }
func (t *Bad) Execute(e *entity.Entity) error {
	if e.IsAlive() {
		amount := 1.0
		_ = amount
	}
	e.Move(amount, 0, 1.0)
	return nil
}
`)
			res := v.Validate(src)
			So(res.Valid, ShouldBeFalse)
			So(res.Violation.Reason, ShouldEqual, UnboundVariable)
		})

		Convey("Source with no Execute method is rejected as missing the trait contract", func() {
			src := []byte(`package traits

type NotATrait struct{}
`)
			res := v.Validate(src)
			So(res.Valid, ShouldBeFalse)
			So(res.Violation.Reason, ShouldEqual, NoTraitClass)
		})

		Convey("A goroutine wrapping an entity-method call is rejected", func() {
			src := []byte(`package traits

import "github.com/molsim/molsim/internal/entity"

type Bad struct{}
func NewBad() *Bad { return &Bad{} }
func (t *Bad) Execute(e *entity.Entity) error {
	go e.Move(1, 1, 1.0)
	return nil
}
`)
			res := v.Validate(src)
			So(res.Valid, ShouldBeFalse)
			So(res.Violation.Reason, ShouldEqual, AwaitOnSync)
		})
	})

	Convey("Given a validator seeded with a known source hash", t, func() {
		seed := validTraitSource()
		first := New(traitPkg, nil).Validate(seed)
		v := New(traitPkg, map[string]bool{first.SourceHash: true})

		Convey("Re-submitting the identical source is rejected as a duplicate", func() {
			res := v.Validate(seed)
			So(res.Valid, ShouldBeFalse)
			So(res.Violation.Reason, ShouldEqual, DuplicateCode)
		})
	})
}
