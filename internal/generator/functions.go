package generator

// Helper functions referenced by compiled constraints and updates. They are
// installed by PerformInitialization and are safe to re-run.
const (
	ArrayAdd = `CREATE OR REPLACE FUNCTION array_add("array" jsonb, "values" jsonb)
  RETURNS jsonb LANGUAGE sql IMMUTABLE STRICT
AS $function$
  SELECT "array" || "values";
$function$`

	ArrayAddUnique = `CREATE OR REPLACE FUNCTION array_add_unique("array" jsonb, "values" jsonb)
  RETURNS jsonb LANGUAGE sql IMMUTABLE STRICT
AS $function$
  SELECT COALESCE(jsonb_agg(elt ORDER BY ord), '[]'::jsonb) FROM (
    SELECT DISTINCT ON (elt) elt, ord FROM (
      SELECT elt, ord FROM jsonb_array_elements("array") WITH ORDINALITY AS a(elt, ord)
      UNION ALL
      SELECT elt, ord + jsonb_array_length("array") FROM jsonb_array_elements("values") WITH ORDINALITY AS v(elt, ord)
    ) AS combined ORDER BY elt, ord
  ) AS deduped;
$function$`

	ArrayRemove = `CREATE OR REPLACE FUNCTION array_remove("array" jsonb, "values" jsonb)
  RETURNS jsonb LANGUAGE sql IMMUTABLE STRICT
AS $function$
  SELECT COALESCE(jsonb_agg(elt ORDER BY ord), '[]'::jsonb)
    FROM jsonb_array_elements("array") WITH ORDINALITY AS a(elt, ord)
   WHERE elt NOT IN (SELECT jsonb_array_elements("values"));
$function$`

	ArrayContainsAll = `CREATE OR REPLACE FUNCTION array_contains_all("array" jsonb, "values" jsonb)
  RETURNS boolean LANGUAGE sql IMMUTABLE STRICT
AS $function$
  SELECT CASE WHEN jsonb_array_length("values") = 0 THEN false
    ELSE NOT EXISTS (
      SELECT 1 FROM jsonb_array_elements("values") AS v(elt)
       WHERE elt NOT IN (SELECT jsonb_array_elements("array"))
    ) END;
$function$`

	ArrayContainsAllRegex = `CREATE OR REPLACE FUNCTION array_contains_all_regex("array" jsonb, "values" jsonb)
  RETURNS boolean LANGUAGE sql IMMUTABLE STRICT
AS $function$
  SELECT CASE WHEN jsonb_array_length("values") = 0 THEN false
    ELSE NOT EXISTS (
      SELECT 1 FROM jsonb_array_elements_text("values") AS p(pattern)
       WHERE NOT EXISTS (
         SELECT 1 FROM jsonb_array_elements_text("array") AS a(elt) WHERE elt LIKE pattern
       )
    ) END;
$function$`

	ArrayContains = `CREATE OR REPLACE FUNCTION array_contains("array" jsonb, "values" jsonb)
  RETURNS boolean LANGUAGE sql IMMUTABLE STRICT
AS $function$
  SELECT EXISTS (
    SELECT 1 FROM jsonb_array_elements("array") AS a(elt)
     WHERE elt IN (SELECT jsonb_array_elements("values"))
  );
$function$`

	JSONObjectSetKey = `CREATE OR REPLACE FUNCTION json_object_set_key("json" jsonb, key_to_set TEXT, value_to_set anyelement)
  RETURNS jsonb LANGUAGE sql IMMUTABLE STRICT
AS $function$
  SELECT concat('{', string_agg(to_json("key") || ':' || "value", ','), '}')::jsonb
    FROM (SELECT * FROM jsonb_each("json") WHERE key <> key_to_set
          UNION ALL
          SELECT key_to_set, to_json("value_to_set")::jsonb) AS fields;
$function$`
)

// HelperFunctions lists the helper definitions in install order.
func HelperFunctions() []string {
	return []string{
		JSONObjectSetKey,
		ArrayAdd,
		ArrayAddUnique,
		ArrayRemove,
		ArrayContainsAll,
		ArrayContainsAllRegex,
		ArrayContains,
	}
}
