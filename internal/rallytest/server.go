// Package rallytest はテスト用のインメモリ Rally WSAPI サーバーを提供します
package rallytest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
)

const apiPath = "/slm/webservice/v2.0"

// Object はサーバー上の1レコードです
type Object map[string]interface{}

// ID は ObjectID を返します
func (o Object) ID() int64 {
	return toInt64(o["ObjectID"])
}

// IDString は ObjectID を文字列で返します
func (o Object) IDString() string {
	return strconv.FormatInt(o.ID(), 10)
}

// Name は Name フィールドを返します
func (o Object) Name() string {
	s, _ := o["Name"].(string)
	return s
}

// RefID は参照フィールドの参照先 ID を返します (未設定なら 0)
func (o Object) RefID(field string) int64 {
	ref, ok := asMap(o[field])
	if !ok {
		return 0
	}
	return toInt64(ref["ObjectID"])
}

func asMap(v interface{}) (map[string]interface{}, bool) {
	switch m := v.(type) {
	case Object:
		return m, true
	case map[string]interface{}:
		return m, true
	}
	return nil, false
}

// Server は Rally WSAPI の最小限の振る舞いを再現します
type Server struct {
	*httptest.Server

	APIKey string
	// LeafPortfolioType は子を UserStories に持つポートフォリオ型 (例: PortfolioItem/Feature)
	LeafPortfolioType string
	// Workspace は既定のワークスペースです
	Workspace Object

	mu          sync.Mutex
	nextID      int64
	seq         int64
	objects     map[int64]Object
	seqs        map[int64]int64
	created     []int64
	failCreates map[string]int
	failGets    map[int64]bool
	failBatches int
	batches     [][]json.RawMessage
}

// NewServer はテスト用サーバーを起動します
func NewServer(t testing.TB) *Server {
	s := &Server{
		APIKey:            "test-key",
		LeafPortfolioType: "PortfolioItem/Feature",
		nextID:            1000,
		objects:           map[int64]Object{},
		seqs:              map[int64]int64{},
		failCreates:       map[string]int{},
		failGets:          map[int64]bool{},
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.handle))
	t.Cleanup(s.Close)
	s.Workspace = s.Add("Workspace", Object{"Name": "Workspace"})
	return s
}

// Add はレコードを直接登録します
func (s *Server) Add(typeName string, fields Object) Object {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insert(typeName, fields)
}

func (s *Server) insert(typeName string, fields Object) Object {
	s.nextID++
	s.seq++
	id := s.nextID
	obj := Object{}
	for k, v := range fields {
		obj[k] = v
	}
	obj["ObjectID"] = id
	obj["_type"] = typeName
	obj["_ref"] = s.refURL(typeName, id)
	obj["_refObjectName"] = obj.Name()
	s.objects[id] = obj
	s.seqs[id] = s.seq
	return obj
}

// RefTo はレコードへの参照フィールドを作ります
func (s *Server) RefTo(obj Object) Object {
	return Object{
		"_ref":           obj["_ref"],
		"_refObjectName": obj.Name(),
		"_type":          obj["_type"],
		"ObjectID":       obj.ID(),
	}
}

// Objects は型のレコードを作成順に返します
func (s *Server) Objects(typeName string) []Object {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Object
	for _, id := range s.sortedIDs() {
		if obj := s.objects[id]; strings.EqualFold(obj["_type"].(string), typeName) {
			out = append(out, obj)
		}
	}
	return out
}

// FindByName は型と名前が一致するレコードを返します
func (s *Server) FindByName(typeName, name string) []Object {
	var out []Object
	for _, obj := range s.Objects(typeName) {
		if obj.Name() == name {
			out = append(out, obj)
		}
	}
	return out
}

// Object は ID でレコードを返します
func (s *Server) Object(id int64) Object {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.objects[id]
}

// Seq はレコードの作成順序を返します
func (s *Server) Seq(id int64) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seqs[id]
}

// CreatedIDs は API 経由で作成された ID を作成順に返します
func (s *Server) CreatedIDs() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int64(nil), s.created...)
}

// Batches は受信したバッチの各エントリ本文を返します
func (s *Server) Batches() [][]json.RawMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]json.RawMessage(nil), s.batches...)
}

// FailCreates は指定名のレコード作成を n 回失敗させます (n < 0 は常に失敗)
func (s *Server) FailCreates(name string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failCreates[name] = n
}

// FailCollection は指定レコードの子コレクション取得を失敗させます
func (s *Server) FailCollection(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failGets[id] = true
}

// FailBatches は次の n 回のバッチを失敗させます
func (s *Server) FailBatches(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failBatches = n
}

func (s *Server) sortedIDs() []int64 {
	ids := make([]int64, 0, len(s.objects))
	for id := range s.objects {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return s.seqs[ids[i]] < s.seqs[ids[j]] })
	return ids
}

func (s *Server) refURL(typeName string, id int64) string {
	return fmt.Sprintf("%s%s/%s/%d", s.URL, apiPath, strings.ToLower(typeName), id)
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	if s.APIKey != "" && r.Header.Get("zsessionid") != s.APIKey {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	p := strings.Trim(strings.TrimPrefix(r.URL.Path, apiPath), "/")
	segs := strings.Split(strings.ToLower(p), "/")

	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case p == "security/authorize":
		writeJSON(w, Object{"OperationResult": Object{"Errors": []string{}, "SecurityToken": "token"}})
	case p == "batch" && r.Method == http.MethodPost:
		s.handleBatch(w, r)
	case len(segs) >= 2 && segs[len(segs)-1] == "create" && r.Method == http.MethodPost:
		s.handleCreate(w, r, strings.Join(segs[:len(segs)-1], "/"))
	case len(segs) >= 2 && isNumeric(segs[len(segs)-1]):
		id, _ := strconv.ParseInt(segs[len(segs)-1], 10, 64)
		if r.Method == http.MethodPost {
			s.handleUpdate(w, r, id)
			return
		}
		s.handleGet(w, id)
	case len(segs) >= 3 && isNumeric(segs[len(segs)-2]):
		id, _ := strconv.ParseInt(segs[len(segs)-2], 10, 64)
		// コレクション名は大文字小文字を保持したまま取り出す
		parts := strings.Split(p, "/")
		s.handleCollection(w, r, id, parts[len(parts)-1])
	default:
		s.handleQuery(w, r, p)
	}
}

func (s *Server) handleGet(w http.ResponseWriter, id int64) {
	obj, ok := s.objects[id]
	if !ok {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	typeName := obj["_type"].(string)
	key := typeName
	if i := strings.LastIndex(key, "/"); i >= 0 {
		key = key[i+1:]
	}
	writeJSON(w, Object{key: s.render(obj)})
}

// render はコレクションフィールドを付与したレコードを返します
func (s *Server) render(obj Object) Object {
	out := Object{}
	for k, v := range obj {
		out[k] = v
	}
	id := obj.ID()
	typeName := obj["_type"].(string)
	for attr, children := range s.collections(obj) {
		out[attr] = Object{"_ref": s.refURL(typeName, id) + "/" + attr, "Count": len(children)}
	}
	return out
}

// collections はレコード種別ごとの子コレクションを計算します
func (s *Server) collections(obj Object) map[string][]Object {
	id := obj.ID()
	typeName := strings.ToLower(obj["_type"].(string))
	out := map[string][]Object{}
	switch {
	case typeName == "project":
		out["Children"] = s.referencing(id, []string{"project"}, "Parent")
	case typeName == "hierarchicalrequirement":
		out["Children"] = s.referencing(id, []string{"hierarchicalrequirement"}, "Parent", "UnifiedParent")
	case strings.HasPrefix(typeName, "portfolioitem"):
		if strings.EqualFold(typeName, s.LeafPortfolioType) {
			out["UserStories"] = s.referencing(id, []string{"hierarchicalrequirement"}, "Parent", "UnifiedParent", "PortfolioItem")
		} else {
			out["Children"] = s.referencing(id, []string{"portfolioitem"}, "Parent")
		}
	case typeName == "workingcapacityplan":
		out["Assignments"] = s.referencing(id, []string{"workingcapacityplanassignment"}, "CapacityPlan")
		out["CapacityPlanItems"] = s.referencing(id, []string{"workingcapacityplanitem"}, "CapacityPlan")
		out["CapacityPlanProjects"] = s.referencing(id, []string{"workingcapacityplanproject"}, "CapacityPlan")
		out["ChildCapacityPlans"] = s.referencing(id, []string{"workingcapacityplan"}, "ParentCapacityPlan")
		out["AssociatedItems"] = nil
		out["AssociatedProjects"] = nil
	}
	return out
}

func (s *Server) referencing(id int64, typePrefixes []string, fields ...string) []Object {
	var out []Object
	for _, oid := range s.sortedIDs() {
		obj := s.objects[oid]
		t := strings.ToLower(obj["_type"].(string))
		matched := false
		for _, prefix := range typePrefixes {
			if strings.HasPrefix(t, prefix) && (prefix != "workingcapacityplan" || t == prefix) {
				matched = true
			}
		}
		if !matched {
			continue
		}
		for _, f := range fields {
			if obj.RefID(f) == id {
				out = append(out, s.render(obj))
				break
			}
		}
	}
	return out
}

func (s *Server) handleCollection(w http.ResponseWriter, r *http.Request, id int64, attr string) {
	if s.failGets[id] {
		http.Error(w, "collection unavailable", http.StatusInternalServerError)
		return
	}
	obj, ok := s.objects[id]
	if !ok {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	s.writePage(w, r, s.collections(obj)[attr])
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request, typePath string) {
	q := r.URL.Query()
	typeName := strings.ToLower(typePath)
	if typeName == "artifact" && q.Get("types") != "" {
		typeName = strings.ToLower(q.Get("types"))
	}

	var results []Object
	for _, id := range s.sortedIDs() {
		obj := s.objects[id]
		if !strings.EqualFold(obj["_type"].(string), typeName) {
			continue
		}
		if !matchQuery(obj, q.Get("query")) || !s.inScope(obj, q) {
			continue
		}
		results = append(results, s.render(obj))
	}
	if order := q.Get("order"); order != "" {
		sortObjects(results, order)
	}
	s.writePage(w, r, results)
}

// inScope はプロジェクトのスコープ指定を評価します
func (s *Server) inScope(obj Object, q url.Values) bool {
	project := q.Get("project")
	if project == "" {
		return true
	}
	if _, ok := obj["Project"]; !ok {
		return true
	}
	scopeID, _ := strconv.ParseInt(project[strings.LastIndex(project, "/")+1:], 10, 64)
	pid := obj.RefID("Project")
	if pid == scopeID {
		return true
	}
	if q.Get("projectScopeDown") == "true" && s.isDescendant(pid, scopeID) {
		return true
	}
	return q.Get("projectScopeUp") == "true" && s.isDescendant(scopeID, pid)
}

func (s *Server) isDescendant(id, ancestor int64) bool {
	for cur := s.objects[id]; cur != nil; {
		parent := cur.RefID("Parent")
		if parent == 0 {
			return false
		}
		if parent == ancestor {
			return true
		}
		cur = s.objects[parent]
	}
	return false
}

func (s *Server) writePage(w http.ResponseWriter, r *http.Request, results []Object) {
	q := r.URL.Query()
	start, _ := strconv.Atoi(q.Get("start"))
	if start < 1 {
		start = 1
	}
	size, _ := strconv.Atoi(q.Get("pagesize"))
	if size < 1 {
		size = 20
	}
	from := start - 1
	if from > len(results) {
		from = len(results)
	}
	to := from + size
	if to > len(results) {
		to = len(results)
	}
	page := results[from:to]
	if page == nil {
		page = []Object{}
	}
	writeJSON(w, Object{"QueryResult": Object{
		"TotalResultCount": len(results),
		"StartIndex":       start,
		"PageSize":         size,
		"Results":          page,
		"Errors":           []string{},
	}})
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request, typePath string) {
	fields, err := decodeBody(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	obj, errs := s.create(typePath, fields, nil)
	if len(errs) > 0 {
		writeJSON(w, Object{"CreateResult": Object{"Errors": errs}})
		return
	}
	if r.URL.Query().Get("cascade") == "true" && strings.EqualFold(typePath, "release") {
		s.cascade(obj, fields)
	}
	writeJSON(w, Object{"CreateResult": Object{"Object": s.render(obj), "Errors": []string{}}})
}

// cascade はリリースを子孫プロジェクトにも複製します
func (s *Server) cascade(release Object, fields Object) {
	root := release.RefID("Project")
	for _, id := range s.sortedIDs() {
		p := s.objects[id]
		if !strings.EqualFold(p["_type"].(string), "project") || !s.isDescendant(id, root) {
			continue
		}
		copyFields := Object{}
		for k, v := range release {
			if !strings.HasPrefix(k, "_") && k != "ObjectID" {
				copyFields[k] = v
			}
		}
		copyFields["Project"] = s.RefTo(p)
		s.created = append(s.created, s.insert("Release", copyFields).ID())
	}
}

func (s *Server) create(typePath string, fields Object, slots []Object) (Object, []string) {
	name := fields.Name()
	if n, ok := s.failCreates[name]; ok && n != 0 {
		if n > 0 {
			s.failCreates[name] = n - 1
		}
		return nil, []string{fmt.Sprintf("Could not create %s: simulated failure", name)}
	}
	typeName := canonicalType(typePath)
	if needsName(typeName) && name == "" {
		return nil, []string{"Validation error: Name is required"}
	}
	resolved, errs := s.resolveRefs(fields, slots)
	if len(errs) > 0 {
		return nil, errs
	}
	obj := s.insert(typeName, resolved)
	s.created = append(s.created, obj.ID())
	return obj, nil
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request, id int64) {
	obj, ok := s.objects[id]
	if !ok {
		writeJSON(w, Object{"OperationResult": Object{"Errors": []string{"Cannot find object to update"}}})
		return
	}
	fields, err := decodeBody(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	resolved, errs := s.resolveRefs(fields, nil)
	if len(errs) > 0 {
		writeJSON(w, Object{"OperationResult": Object{"Errors": errs}})
		return
	}
	for k, v := range resolved {
		if v == nil {
			delete(obj, k)
			continue
		}
		obj[k] = v
	}
	writeJSON(w, Object{"OperationResult": Object{"Object": s.render(obj), "Errors": []string{}}})
}

func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Batch []struct {
			Entry struct {
				Path   string          `json:"Path"`
				Method string          `json:"Method"`
				Body   json.RawMessage `json:"Body"`
			} `json:"Entry"`
		} `json:"Batch"`
	}
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	if err := dec.Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	bodies := make([]json.RawMessage, len(req.Batch))
	for i, item := range req.Batch {
		bodies[i] = item.Entry.Body
	}
	s.batches = append(s.batches, bodies)

	if s.failBatches > 0 {
		s.failBatches--
		writeJSON(w, Object{"BatchResult": Object{"Results": []Object{}, "Errors": []string{"simulated batch failure"}}})
		return
	}

	results := make([]Object, len(req.Batch))
	var done []Object
	failed := false
	for i, item := range req.Batch {
		if failed {
			results[i] = Object{"Errors": []string{"rolled back"}}
			continue
		}
		fields, err := unwrapBody(item.Entry.Body)
		typePath := strings.TrimSuffix(strings.Trim(strings.ToLower(item.Entry.Path), "/"), "/create")
		var errs []string
		var obj Object
		if err != nil {
			errs = []string{err.Error()}
		} else {
			obj, errs = s.create(typePath, fields, done)
		}
		if len(errs) > 0 {
			results[i] = Object{"Errors": errs}
			failed = true
			continue
		}
		done = append(done, obj)
		results[i] = Object{"Object": s.render(obj)}
	}
	if failed {
		// トランザクション全体を取り消す
		for _, obj := range done {
			delete(s.objects, obj.ID())
			s.created = s.created[:len(s.created)-1]
		}
		for i := range results {
			if _, ok := results[i]["Object"]; ok {
				results[i] = Object{"Errors": []string{"rolled back"}}
			}
		}
	}
	writeJSON(w, Object{"BatchResult": Object{"Results": results, "Errors": []string{}}})
}

// resolveRefs は参照文字列とスロット参照をレコード参照に解決します
func (s *Server) resolveRefs(fields Object, slots []Object) (Object, []string) {
	out := Object{}
	var errs []string
	for k, v := range fields {
		str, ok := v.(string)
		if !ok {
			out[k] = v
			continue
		}
		switch {
		case strings.HasPrefix(str, "$"):
			idx, err := strconv.Atoi(str[1:])
			if err != nil || idx < 0 || idx >= len(slots) {
				errs = append(errs, fmt.Sprintf("Could not resolve slot reference %s for %s", str, k))
				continue
			}
			out[k] = s.RefTo(slots[idx])
		case isRefString(str):
			id := refID(str)
			target, ok := s.objects[id]
			if !ok {
				errs = append(errs, fmt.Sprintf("Could not read: %s %s", k, str))
				continue
			}
			out[k] = s.RefTo(target)
		default:
			out[k] = v
		}
	}
	return out, errs
}

func decodeBody(r *http.Request) (Object, error) {
	var raw json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		return nil, err
	}
	return unwrapBody(raw)
}

// unwrapBody は {"Type": {...}} 形式の本文を取り出します
func unwrapBody(raw json.RawMessage) (Object, error) {
	dec := json.NewDecoder(strings.NewReader(string(raw)))
	dec.UseNumber()
	var wrapper map[string]map[string]interface{}
	if err := dec.Decode(&wrapper); err != nil {
		return nil, err
	}
	if len(wrapper) != 1 {
		return nil, fmt.Errorf("body must have exactly one type key")
	}
	for _, fields := range wrapper {
		return Object(fields), nil
	}
	return nil, nil
}

func matchQuery(obj Object, query string) bool {
	if strings.TrimSpace(query) == "" {
		return true
	}
	q := strings.NewReplacer("(", "", ")", "").Replace(query)
	for _, clause := range strings.Split(q, " AND ") {
		kv := strings.SplitN(clause, " = ", 2)
		if len(kv) != 2 {
			return false
		}
		field := strings.TrimSpace(kv[0])
		want := strings.TrimSpace(kv[1])
		want = strings.TrimSuffix(strings.TrimPrefix(want, `"`), `"`)
		want = strings.ReplaceAll(want, `\"`, `"`)
		got, present := lookupField(obj, field)
		if want == "null" {
			if present && got != "" {
				return false
			}
			continue
		}
		if got != want {
			return false
		}
	}
	return true
}

func lookupField(obj Object, path string) (string, bool) {
	parts := strings.SplitN(path, ".", 2)
	v, ok := obj[parts[0]]
	if !ok || v == nil {
		return "", false
	}
	if ref, isRef := asMap(v); isRef {
		if len(parts) == 2 && parts[1] == "Name" {
			return fmt.Sprint(ref["_refObjectName"]), true
		}
		return fmt.Sprint(ref["_ref"]), true
	}
	return fmt.Sprint(v), true
}

func sortObjects(results []Object, order string) {
	fields := strings.Fields(order)
	desc := len(fields) > 1 && strings.EqualFold(fields[1], "desc")
	sort.SliceStable(results, func(i, j int) bool {
		a, b := toInt64(results[i][fields[0]]), toInt64(results[j][fields[0]])
		if desc {
			return a > b
		}
		return a < b
	})
}

func canonicalType(typePath string) string {
	switch strings.ToLower(typePath) {
	case "project":
		return "Project"
	case "release":
		return "Release"
	case "hierarchicalrequirement":
		return "HierarchicalRequirement"
	case "workingcapacityplan":
		return "WorkingCapacityPlan"
	case "workingcapacityplanproject":
		return "WorkingCapacityPlanProject"
	case "workingcapacityplanitem":
		return "WorkingCapacityPlanItem"
	case "workingcapacityplanassignment":
		return "WorkingCapacityPlanAssignment"
	}
	parts := strings.Split(typePath, "/")
	for i, p := range parts {
		if p != "" {
			parts[i] = strings.ToUpper(p[:1]) + p[1:]
		}
	}
	if len(parts) == 2 && strings.EqualFold(parts[0], "portfolioitem") {
		parts[0] = "PortfolioItem"
	}
	return strings.Join(parts, "/")
}

func needsName(typeName string) bool {
	t := strings.ToLower(typeName)
	return t == "project" || t == "release" || t == "hierarchicalrequirement" ||
		t == "workingcapacityplan" || strings.HasPrefix(t, "portfolioitem")
}

func isRefString(s string) bool {
	if i := strings.Index(s, "?"); i >= 0 {
		s = s[:i]
	}
	if !strings.Contains(s, "/") {
		return false
	}
	return isNumeric(s[strings.LastIndex(s, "/")+1:])
}

func refID(s string) int64 {
	if i := strings.Index(s, "?"); i >= 0 {
		s = s[:i]
	}
	id, _ := strconv.ParseInt(s[strings.LastIndex(s, "/")+1:], 10, 64)
	return id
}

func isNumeric(s string) bool {
	if s == "" {
		return false
	}
	_, err := strconv.ParseInt(s, 10, 64)
	return err == nil
}

func toInt64(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	case json.Number:
		i, _ := n.Int64()
		return i
	case string:
		i, _ := strconv.ParseInt(n, 10, 64)
		return i
	}
	return 0
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
